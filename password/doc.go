// Package password hashes and verifies stored credentials.
//
// New hashes are argon2id in PHC form:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Verification also accepts bcrypt hashes ($2a$, $2b$, $2y$) imported from
// older systems. NeedsUpgrade reports true for those and for argon2id hashes
// produced with weaker parameters, so a caller can rehash after a
// successful login without the user noticing.
//
// The package never stores passwords and never logs them.
package password
