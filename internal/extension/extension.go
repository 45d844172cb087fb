// Package extension implements the module lifecycle manager: discovery,
// load/unload, hot reload, and the registry of live extensions.
//
// The canonical contract types live in the public pkg/extension package,
// accessible to external tooling; this file re-exports them so internal code
// imports a single package.
package extension

import (
	pkgext "github.com/barkhq/bark/pkg/extension"
)

// Type aliases - these are identical to the pkg/extension types.

type Info = pkgext.Info
type Instance = pkgext.Instance
type RequestHandler = pkgext.RequestHandler
type Cleaner = pkgext.Cleaner
type Message = pkgext.Message
type CommandHandler = pkgext.CommandHandler
type CommandRegistry = pkgext.CommandRegistry

type ErrorKind = pkgext.ErrorKind
type LoadError = pkgext.LoadError
type CollisionError = pkgext.CollisionError
type ConflictError = pkgext.ConflictError
type ProtectedError = pkgext.ProtectedError
type NotFoundError = pkgext.NotFoundError
type DisabledError = pkgext.DisabledError
type CleanupError = pkgext.CleanupError

const (
	KindSyntax   = pkgext.KindSyntax
	KindContract = pkgext.KindContract
	KindRuntime  = pkgext.KindRuntime
)
