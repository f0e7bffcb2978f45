// Package rpc implements the Worker RPC façade of §4.8/§6 as three gRPC
// services — Execution, WorkerManagement, DataExchange — carried over a
// JSON codec in place of protobuf-generated stubs (see the package comment
// in codec.go for why).
package rpc
