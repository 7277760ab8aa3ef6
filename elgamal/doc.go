/*
Package elgamal implements additively homomorphic ElGamal encryption over
edwards25519 on top of distributed point arrays.

The secret key lives on the coordinator only; the public key is sent to
every node of the scope it was generated in:

	sk, pk, err := elgamal.GenerateKey(ctx, fc)
	c, err := pk.Encrypt(ctx, tags)      // (r·G, r·pk + m·G)
	err = pk.Sanitize(ctx, c)            // m -> k·m, zero stays zero
	err = pk.Refresh(ctx, c)             // fresh randomness, same m

Decryption yields m·G, which is enough to tell zero from non-zero, and is
only allowed in a scope that lies within both the key's and the cipher's
scope. A Cipher implements ftillite.Value, so it can be sliced, gathered,
transmitted and stored in a composite.Dict like any other value.
*/
package elgamal
