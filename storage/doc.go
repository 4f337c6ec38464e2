// Package storage provides SecretStore backends for persisting session
// state and credentials, selected by URI through StoreFactory:
//
//   - memory:// — in-process map, for tests and the self-test command
//   - file:///path — one 0600 file per key under a 0700 directory
//   - vault://host:port/mount/prefix — HashiCorp Vault KV v2
//   - s3://bucket/prefix — Amazon S3 or compatible object storage
//
// All backends implement save/load/delete under stable keys, return
// interfaces.ErrSecretNotFound for absent keys, and treat deleting an
// absent key as success. The platform's actual secure enclave storage
// (keychain, TPM) is supplied by the embedding application behind the same
// contract.
package storage
