/*
Package testutil stands up in-process FTILlite clusters for tests.

A cluster is a coordinator node plus a number of peer nodes, each a
segment.Host listening on a shared transport.MemoryBroker, exactly as a
deployment would listen on RabbitMQ:

	cluster := testutil.NewCluster(t, testutil.WithPeers(3))
	mgr, err := dispatch.NewManager(dispatch.Config{
	    Nodes:   cluster.Nodes,
	    Clients: cluster.Clients(),
	})

Hosts draw randomness from seeded readers so runs are reproducible, keep
saves in a per-test temporary directory, and are shut down by t.Cleanup.

Options customise the cluster:

	testutil.NewCluster(t,
	    testutil.WithPeers(2),
	    testutil.WithSeed([]byte("negation")),
	    testutil.WithAuxDB(1, source),
	)

This package is intended for testing purposes only and should not be used in
production code.
*/
package testutil
