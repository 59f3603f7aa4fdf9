package shared

import "fmt"

// ClientIssuanceLockKey builds the redis key guarding invoice issuance for a client.
func ClientIssuanceLockKey(clientID string) string {
	return fmt.Sprintf("billing:client:%s:issue:lock", clientID)
}
