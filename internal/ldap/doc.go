/*
Package ldap implements the directory side of user synchronization.

# Architecture Overview

  - Connection: one logical connection per configured directory. It owns a
    single handle, picks servers from a failover list or through domain
    controller discovery (DNS SRV), binds anonymously, with a simple bind or
    with Kerberos/GSSAPI, and rebuilds the handle when its configuration
    changes.
  - SearchClient: paged searches with a restart-from-first-page retry on
    network failures. Results are returned as Entry values with lower-cased
    DNs and attribute names.
  - GroupResolver: flat and nested group membership resolution with
    per-cycle caches. Nested resolution follows memberOf links inside the
    common base of the user and group trees and threads an explicit set of
    groups being visited, so membership cycles terminate.

# Errors

Failures are classified into LDAPError categories. ConfigurationError marks
problems no retry can fix, such as rejected bind credentials or a missing
common base DN. IsRetryableError reports network-class failures.

# Logging

All operations log through the "ldap" and "kerberos" tflog subsystems
registered by WithLogging.
*/
package ldap
