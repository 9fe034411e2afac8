// Package httpserver runs a chi router with the operational endpoints every
// dapagg process exposes.
//
// A BaseServer serves the routes of its RouteRegistrars behind request
// logging, plus:
//
//   - /livez, always 200 while the process runs
//   - /readyz, 503 once draining
//   - /drain and /undrain, to take the instance out of rotation by hand
//   - /debug/pprof when EnablePprof is set
//
// Prometheus metrics are served by a second listener on MetricsAddr.
//
//	srv, err := httpserver.New(cfg.HTTP, log, services.NewDAPHandler(agg, log))
//	if err != nil {
//		return err
//	}
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
