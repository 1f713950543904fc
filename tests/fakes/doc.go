// Package fakes provides test doubles for the broker's backend client
// interfaces.
//
// Fakes are manually implemented (not generated) to provide precise control
// over test behavior. Each fake mirrors the narrow SDK interface its adapter
// declares, so adapters can be unit tested without real service
// dependencies:
//
//	fake := fakes.NewFakeSecretsManagerClient()
//	fake.AddSecretString("db/main", `{"password":"hunter2"}`)
//	b, _ := backends.NewAWSSecretsManagerBackend("aws-test", nil,
//	    backends.WithSecretsManagerClient(fake))
//	// Test backend methods...
package fakes
