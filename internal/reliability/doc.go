// Package reliability holds the backoff policy shared by reconnect loops.
//
// Example usage:
//
//	policy := NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, 0)
//	for attempt := 0; ; attempt++ {
//	    if err := connect(); err == nil {
//	        break
//	    }
//	    if err := Sleep(ctx, policy.NextDelay(attempt)); err != nil {
//	        return err
//	    }
//	}
package reliability
