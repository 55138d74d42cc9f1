package progress

import (
	"context"
	"fmt"
	"time"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

// ExampleTracker_Stats demonstrates reporting progress after each item.
func ExampleTracker_Stats() {
	clk := &fixedClock{t: time.Unix(0, 0)}
	tr := New(4, clk)

	clk.t = clk.t.Add(30 * time.Second)
	tr.Update(true)
	tr.Update(false)

	s := tr.Stats()
	fmt.Printf("%d/%d done, %d errors, %.0f%%, eta %.0fs\n",
		s.Completed, s.Total, s.Errors, s.ProgressPercent, s.ETASeconds)
	// Output:
	// 2/4 done, 1 errors, 50%, eta 30s
}

// ExampleInvoke shows that a failing callback is contained.
func ExampleInvoke() {
	cb := func(_ context.Context, s Snapshot) error {
		if s.Completed > 1 {
			return fmt.Errorf("listener disconnected")
		}
		fmt.Printf("completed=%d\n", s.Completed)
		return nil
	}

	_ = Invoke(context.Background(), cb, Snapshot{Completed: 1}, nil)
	err := Invoke(context.Background(), cb, Snapshot{Completed: 2}, nil)
	fmt.Println("error contained:", err != nil)
	// Output:
	// completed=1
	// error contained: true
}
