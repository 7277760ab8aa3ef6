// Package cmd holds the FTILlite executables.
//
// # Commands
//
// segment: runs one segment node. The coordinator's own node is a segment
// node too, so a network of n banks runs n+1 segment processes.
//
//	go run ./cmd/segment --config=network.yaml --id=0
//	go run ./cmd/segment --config=network.yaml --id=1 --addr=:8081 --metrics-addr=:9091
//
// ftilctl: the coordinator. It initialises the nodes and drives
// computations on them.
//
//	go run ./cmd/ftilctl -c network.yaml nodes
//	go run ./cmd/ftilctl -c network.yaml tags --op intersection -q "SELECT ..." -q "SELECT ..."
//	go run ./cmd/ftilctl -c network.yaml saves list
//
// # Configuration
//
// Both commands read the same YAML network description; see package config.
// With the amqp transport the nodes consume their commands from RabbitMQ
// and the addr fields may be left empty. With the http transport every node
// needs the base URL it is reachable at:
//
//	coordinator: 0
//	transport: "http"
//	nodes:
//	  - id: 0
//	    name: "coordinator"
//	    addr: "http://localhost:8080"
//	  - id: 1
//	    name: "bank1"
//	    addr: "http://localhost:8081"
//
// Command-line flags of segment override the transport, amqp_url and
// data_dir fields.
package cmd
