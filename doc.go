// Package cardmd is the state engine of a smart-card minidriver.
//
// A Card presents the host with a small virtual filesystem and a registry
// of twelve key containers, both built from the objects stored on a
// PKCS#15-style token, and keeps the cardcf cache record the host polls in
// step with them.
//
// Filesystem layout:
//
//	cardid            16-byte card identifier
//	cardcf            cache freshness record
//	cardapps          "mscp"
//	mscp/cmapfile     container map, 12 records of 86 bytes
//	mscp/kscNN        certificate of the signature key in container NN
//	mscp/kxcNN        certificate of the exchange key in container NN
//
// Basic usage:
//
//	card, _ := cardmd.Open(ctx, connector, cardmd.Handles{Context: 1, Card: 1},
//	    cardmd.WithLogger(logger))
//	defer card.Close()
//
//	// Read the container map
//	cmap, _ := card.ReadFile(ctx, "mscp", "cmapfile")
//
//	// Log in and generate a signature key in container 0
//	card.AuthenticatePin(ctx, cardmd.RoleUser, []byte("123456"))
//	card.CreateContainer(ctx, 0, cardmd.KeyGen, cardmd.Signature, 2048, nil)
//
//	// Sign a SHA-1 digest given in host byte order
//	sig, _ := card.Sign(ctx, cardmd.SignRequest{Slot: 0, Data: digest, Hash: cardmd.HashSHA1})
//
//	// Log out; flushes the container map and cardcf
//	card.Deauthenticate(ctx, cardmd.RoleUser)
//
// The object store is an interface (ObjectStore); internal/store provides
// a software token on the local filesystem.
package cardmd
