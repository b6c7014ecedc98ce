// Package network models an electrical network whose topology is built once
// and shared, while bus voltages, branch flows, tap positions and setpoints
// are held per variant.
//
// Every accessor takes the caller's context.Context and reads or writes the
// working variant resolved by the network's variant manager. Freeze returns a
// read-only view used when a network is handed to exporters.
package network
