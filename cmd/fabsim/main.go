// fabsim simulates RDMA traffic over a lossless fat-tree fabric with PFC,
// DCQCN-style rate control, HPCC telemetry and bubble backpressure.
package main

import "github.com/dantte-lp/fabsim/cmd/fabsim/commands"

func main() {
	commands.Execute()
}
