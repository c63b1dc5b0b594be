/*
Package ldap is the directory access layer shared by both sides of the
synchronization: the OpenLDAP server and the Active Directory domain
controller are reached through the same Client implementation, configured
twice.

# Connection Management

The Client keeps a small pool of authenticated connections:

  - SRV-based server discovery when only a domain is configured
  - Re-authentication of idle connections
  - Retry with exponential backoff for transient failures
  - Simple bind, Kerberos (GSSAPI) and SASL EXTERNAL authentication

# Requests

Search, Add, Modify, ModifyDN and Delete take request structs whose attribute
lists are ordered. Get reads a single entry by DN and reports a missing entry
as (nil, nil), which is what change readers and the mapping pipeline need
when they compare current state against a planned write.

# Error Handling

Failures are wrapped in LDAPError carrying the operation, the result code and
a category. Callers classify errors with GetErrorCategory, ResultCode and
IsConnectionError rather than inspecting go-ldap types directly.

# Identifier Helpers

objectGUID values use the mixed-endian layout Active Directory stores on the
wire; see GUIDBytesToString and StringToGUIDBytes. DN helpers normalize case,
split parents and RDNs, and escape attribute values.
*/
package ldap
