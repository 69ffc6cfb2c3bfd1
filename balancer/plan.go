package balancer

import (
	"fmt"
	"sort"
)

// Transfer moves Count sparks from task From to task To.
type Transfer struct {
	From  int32
	To    int32
	Count int
}

func (t Transfer) String() string {
	return fmt.Sprintf("%d->%d:%d", t.From, t.To, t.Count)
}

// Bounds returns the band every task should end up in: the floor of the
// average minus tolerance up to its ceiling plus tolerance.
func Bounds(counts []int, tolerance int) (lower, upper int) {
	n := len(counts)
	if n == 0 {
		return 0, 0
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	lower = total/n - tolerance
	upper = (total+n-1)/n + tolerance
	return lower, upper
}

type slot struct {
	tid   int32
	count int
}

// Plan computes the transfers that bring every task's spark count into
// Bounds. Tasks below the band are filled first, from the fullest donors
// down to no lower than the average; any task still above the band then
// sheds to the emptiest tasks up to the top of the band. Transfers
// between the same pair are merged, so a plan sends at most one message
// per pair.
func Plan(counts []int, tolerance int) []Transfer {
	n := len(counts)
	if n < 2 {
		return nil
	}
	if tolerance < 0 {
		tolerance = 0
	}
	lower, upper := Bounds(counts, tolerance)
	total := 0
	for _, c := range counts {
		total += c
	}
	avg := total / n

	cur := append([]int(nil), counts...)
	moved := make(map[[2]int32]int)
	var order [][2]int32
	move := func(from, to int32, k int) {
		key := [2]int32{from, to}
		if _, ok := moved[key]; !ok {
			order = append(order, key)
		}
		moved[key] += k
		cur[from] -= k
		cur[to] += k
	}

	// Phase one: fill every task below the band.
	donors := byCount(cur, func(c int) bool { return c > avg }, false)
	needy := byCount(cur, func(c int) bool { return c < lower }, true)
	for i, j := 0, 0; i < len(needy) && j < len(donors); {
		r, d := needy[i].tid, donors[j].tid
		k := min(lower-cur[r], cur[d]-avg)
		if k > 0 {
			move(d, r, k)
		}
		if cur[r] >= lower {
			i++
		}
		if cur[d] <= avg {
			j++
		}
	}

	// Phase two: drain every task still above the band.
	over := byCount(cur, func(c int) bool { return c > upper }, false)
	room := byCount(cur, func(c int) bool { return c < upper }, true)
	for i, j := 0, 0; i < len(over) && j < len(room); {
		d, r := over[i].tid, room[j].tid
		k := min(cur[d]-upper, upper-cur[r])
		if k > 0 {
			move(d, r, k)
		}
		if cur[d] <= upper {
			i++
		}
		if cur[r] >= upper {
			j++
		}
	}

	plan := make([]Transfer, 0, len(order))
	for _, key := range order {
		plan = append(plan, Transfer{From: key[0], To: key[1], Count: moved[key]})
	}
	return plan
}

// byCount returns the tasks whose count satisfies keep, sorted by count
// ascending or descending, ties by task id.
func byCount(counts []int, keep func(int) bool, ascending bool) []slot {
	var out []slot
	for i, c := range counts {
		if keep(c) {
			out = append(out, slot{tid: int32(i), count: c})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			if ascending {
				return out[i].count < out[j].count
			}
			return out[i].count > out[j].count
		}
		return out[i].tid < out[j].tid
	})
	return out
}

// Apply returns the counts after plan executes.
func Apply(counts []int, plan []Transfer) []int {
	out := append([]int(nil), counts...)
	for _, t := range plan {
		out[t.From] -= t.Count
		out[t.To] += t.Count
	}
	return out
}
