// Package authz defines the live-session permission matrix.
//
// The package centralizes role/action authorization so the command handler and
// every outbound projection call one evaluator instead of duplicating role
// checks. Ownership and visibility guards are focused helpers in the same
// package.
package authz
