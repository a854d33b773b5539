/*
Package ldap resolves and authenticates users against one or more LDAP directories.

# Architecture Overview

  - Endpoint: a prepared directory configuration (host, TLS, service account,
    search base, filter template, pre-filter regular expression)
  - Resolver: picks eligible endpoints and searches them in order
  - Authenticator: verifies passwords and materializes identity records
  - NetDialer: opens go-ldap connections, one per call sequence

# Endpoint Selection

An endpoint is eligible for a username when its pre-filter regular expression
matches (endpoints without one match everything) and, if a domain hint is
given, its friendly name equals the hint. Eligible endpoints are searched
sequentially in configuration order and the first one to return an entry wins.
Endpoints that cannot be dialed, bound or searched are skipped.

# Failures

	NoEligibleEndpointError  nothing matched the username or domain hint
	NotFoundError            every reachable endpoint was searched without a match
	UnavailableError         no endpoint could be searched at all
	LoginFailedError         wraps any unexpected fault seen by the Authenticator

Unknown users and wrong passwords are not errors: Login returns a nil record.

# Filter Escaping

Usernames are escaped with ldap.EscapeFilter before being substituted for the
{0} placeholder of an endpoint's search filter.
*/
package ldap
