//go:build !sacndebug

// Package xdebug provides build-tag-gated runtime assertions for the §8
// testable properties (slot-ownership invariants, lock-held preconditions).
// Built without the sacndebug tag, every call is a no-op so the assertions
// cost nothing in production.
package xdebug

import "sync"

func ON() bool { return false }

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
func AssertMutexLocked(_ *sync.Mutex)    {}
