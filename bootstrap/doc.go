// Package bootstrap provides application initialization and lifecycle
// management. It extracts the wiring from main.go into testable components.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	app.WaitForShutdown()
package bootstrap
