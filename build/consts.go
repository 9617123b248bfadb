package build

// Release identifies which build variant is running: "standard",
// "dev", or "testing". Set at link time with -ldflags "-X".
var Release = "standard"

// DEBUG turns on debug-level output in persist.Logger and a startup
// notice in shardvaultd.
var DEBUG = false

// Version is the build's semantic version, set at link time.
var Version = "0.1.0"

// IssuesURL is where a running instance directs operators to file
// bugs from crash/panic output.
var IssuesURL = "https://github.com/shardvault/shardvault/issues"
