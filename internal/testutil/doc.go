// Package testutil contains helpers used across tests to reduce boilerplate
// when constructing session records and collecting stream updates. They are
// not intended for production usage.
package testutil
