// Package keyring manages the lifecycle of the asymmetric signing keys used
// for access and ID tokens: creation, scheduled and manual rotation, grace
// periods for superseded keys, incident revocation, and JWKS publication.
//
// Exactly one key is Active at any time and is used for new signatures.
// Superseded keys stay valid for verification only until their retire-after
// deadline passes; revoked keys fail verification immediately and are removed
// from the published JWKS regardless of state.
package keyring
