package types

// Version is the canonical project version.
// The server, the CLI and the artifact record layout share this version.
const Version = "0.3.0"
