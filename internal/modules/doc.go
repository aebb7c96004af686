// Package modules contains the application's self-contained features.
//
// Each subdirectory is a module implementing `module.Module`. Modules are
// listed in `internal/app/modules.go` and booted by the server in that order
// once every service is registered with the injector.
package modules
