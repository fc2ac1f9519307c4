// Package fixture provisions the aggregator and client certificate a test
// procedure requires as preconditions.
//
// Provisioning talks to the reference server's administrative HTTP
// interface with basic authentication. It is idempotent: an aggregator or
// certificate that already exists for the client identity is reused, never
// duplicated. Transient transport errors get a bounded retry; HTTP-level
// failures never do - a rejected credential or a 5xx from the admin API is
// fatal to the run.
package fixture
