// Package nonce issues handshake challenges.
//
// Every challenge is 32 bytes from crypto/rand. The gateway additionally
// records each issued value in a Ledger for a bounded time so that, even with
// a faulty entropy source, no nonce is handed to two handshakes:
//
//	ledger := nonce.NewLedger(nonce.DefaultTTL, nonce.DefaultMaxSize)
//	defer ledger.Close()
//	n, err := ledger.Issue(nonce.Generate)
package nonce
