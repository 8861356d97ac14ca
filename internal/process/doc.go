// Package process owns the OS process running the user's robot code.
//
// It provides two pieces:
//   - Handle: one spawned process in its own process group, with its output
//     redirected to a line-flushed log file and a control input on stdin
//   - Reaper: graceful termination with a bounded grace period before a
//     single forceful kill ("butcher")
//
// Example usage:
//
//	h, err := process.Spawn(process.Config{
//	    Name:       "usercode",
//	    Binary:     "/usr/bin/python3",
//	    Args:       []string{"-u", "/home/pi/usercode/main.py"},
//	    Env:        []string{"PYTHONPATH=/home/pi/robot"},
//	    OutputPath: "/media/RobotUSB/logs.txt",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	r := process.NewReaper(5*time.Second, process.DefaultEndMarker)
//	res, err := r.Reap(h, "end of round")
//
// Reap never blocks longer than the grace period plus kill latency. A process
// that has already gone away is treated as successfully terminated.
package process
