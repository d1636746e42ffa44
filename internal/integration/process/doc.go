// Package process provides child process management for extension
// executables.
//
// The Supervisor spawns each extension as an OS process with all three
// standard streams piped, tracks it until exit, and tears down every
// remaining process on shutdown. A Process wraps the exec.Cmd with exit
// tracking and signalling.
//
// # Streams
//
// Stdout and Stderr are backed by os.Pipe rather than exec.Cmd pipes, so
// reading them is independent of Wait: everything the child wrote before
// exiting can still be drained after Done is closed, and readers see io.EOF
// only once the data is consumed.
//
// # Supervisor
//
//	supervisor := process.NewSupervisor()
//	defer supervisor.Shutdown(5 * time.Second)
//
//	proc, err := supervisor.Start(process.Spec{
//	    Name: "validator",
//	    Path: "/opt/ext/validator",
//	    Env:  map[string]string{"EXTHOST_VERSION": "1.4.0"},
//	})
//	if err != nil {
//	    return err
//	}
//	<-proc.Done()
//
// # Graceful Shutdown
//
// Stop sends SIGTERM and escalates to SIGKILL after the grace period.
// Supervisor.Shutdown does the same for every tracked process.
//
// Both Supervisor and Process are safe for concurrent use.
package process
