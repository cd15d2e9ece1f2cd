// Package core defines the domain model of the coalesce engine: raw events,
// aggregation and correlation rules, session windows, alerts, and the
// fingerprinting and severity policies that tie them together. It has no
// storage or SQL dependencies; everything here is plain data and pure logic
// so the windowing packages can be tested without a database.
package core
