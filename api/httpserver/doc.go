// Package httpserver provides the HTTP surface of a segment node.
//
// BaseServer wraps a chi router with request logging, panic recovery,
// optional CORS, health endpoints and a separate Prometheus listener.
// Components plug their routes in through RouteRegistrar; a segment node
// registers segment.Handler, which serves the command endpoint.
//
// # Health and Diagnostics
//
// Every BaseServer includes:
//
//   - Liveness Check: the process is up (/livez)
//   - Readiness Check: the node accepts commands (/readyz)
//   - Drain Control: take the node out of rotation and back (/drain, /undrain);
//     while drained, component routes answer 503
//   - Metrics: Prometheus metrics on MetricsAddr when it is set
//
// # Usage Example
//
//	handler := segment.NewHandler(host)
//	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
//	    ListenAddr:  ":8080",
//	    MetricsAddr: ":9090",
//	    Log:         log,
//	}, handler)
//	if err != nil {
//	    return err
//	}
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
