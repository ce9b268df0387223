// Package userstore is the durable user store: credential lookup, account
// flags, second-factor state, and last-login bookkeeping.
//
// Three backends share the Store contract: Postgres (sqlx over the pgx
// stdlib driver, schema managed by goose), a single-file bbolt database,
// and an in-memory map for tests and demos. Open picks one from a URL.
package userstore
