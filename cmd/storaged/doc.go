// Package main (cmd/storaged) runs the tiered content storage server.
//
// storaged serves content by hash over HTTP and runs the background parts of
// the engine next to it: the adaptive cache sweeper, the lifecycle manager
// and the replication and verification agents. All of them share one badger
// metadata store.
//
// Configuration is layered. Defaults are overridden by an optional YAML file
// (--config), which is overridden by flags and their environment variables:
//
//	storaged --storage-backend=s3 \
//	  --s3-bucket-hot=content-hot --s3-bucket-warm=content-warm --s3-bucket-cold=content-cold \
//	  --metadata-dir=/var/lib/storaged/meta --admin-api-key=$KEY \
//	  --replica-target=local:cold --replica-target=ipfs
//
// The server drains on SIGINT or SIGTERM: the HTTP listener stops first, then
// the agents finish their in-flight replication jobs, then the stores close.
package main
