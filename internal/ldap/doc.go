/*
Package ldap writes user entries into a generic LDAP directory or an Active
Directory domain.

# Connection Model

A Writer never keeps a connection open. Every Add, Modify and Delete dials
the configured URL, performs a simple bind with the domain's client
credentials and closes the connection afterwards. A rejected bind is logged
rather than returned; the request that follows fails with the server's
result, which is what callers see.

# Entry Layout

Entries live directly below the configured users DN. The naming attribute
is uid for generic directories and cn for Active Directory:

	uid=jdoe,ou=people,dc=ldap,dc=test
	cn=jdoe,cn=Users,dc=ad,dc=test

Values are escaped per RFC 4514 and attributes are rendered through the
encoder package.

# Error Handling

Operation failures are returned as *LDAPError, categorised by result code
and carrying the server diagnostic message and matched DN. A missing entry
on modify or delete surfaces as *identity.BackendNotFoundError; an
attributeOrValueExists result on modify is treated as success.
*/
package ldap
