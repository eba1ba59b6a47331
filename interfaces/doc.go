// Package interfaces defines the domain types, error codes and component
// interfaces shared by the vault packages.
//
// # Domain Types
//
// VaultRecord is the unit of persistence: a Vault together with its
// guardians, beneficiaries, current FragmentSet and recovery requests.
// Every mutation loads a record, changes it and saves it back with a
// compare-and-set on Version.
//
// Statuses (VaultStatus, GuardianStatus, RequestStatus) are integers that
// marshal to lower-case strings.
//
// # Component Interfaces
//
//   - VaultStore: persistence backends, see package storage
//   - Notifier: receives lifecycle Events, see package notify
//   - Distributor: hands a released secret to beneficiaries, see package
//     distribution
//
// # Errors
//
// All operations fail with *Error values carrying a stable ErrorCode.
// Sentinels such as ErrVaultNotFound match any error with the same code
// under errors.Is, including errors decoded from an API response.
package interfaces
