// Package allowlist holds the static set of voice devices admitted to the
// navivox endpoint, keyed by device ID, together with each device's expected
// Ed25519 public key.
//
// An Allowlist is built once at startup from configuration (inline YAML
// entries plus an optional TOML devices file) and never changes afterwards,
// so a single value is shared by every connection without locking.
//
// Keys may be given either as base64 of the raw 32-byte key:
//
//	public_key: "11qYAYKxCrfVS/7TyWQHOg7hcvPapiMlrwIaaPcHURo="
//
// or in authorized_keys form:
//
//	ssh_public_key: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAI... kitchen"
//
// Both forms are normalized to the same raw key and fingerprint.
package allowlist
