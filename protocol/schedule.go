package protocol

import "sort"

// Transfer is one sender-to-receiver copy of a value.
type Transfer struct {
	From int
	To   int
}

// ScheduleRounds partitions transfers into rounds in which no node sends
// more than once and no node receives more than once. Duplicate transfers
// are scheduled once. Every transfer appears in exactly one round.
//
// Each sender walks its sorted receiver list starting at an offset that
// rotates with the sender id, so that senders sharing receivers tend to
// pick different ones in the same round.
func ScheduleRounds(transfers []Transfer) [][]Transfer {
	receivers := make(map[int][]int)
	seen := make(map[Transfer]bool)
	for _, t := range transfers {
		if seen[t] {
			continue
		}
		seen[t] = true
		receivers[t.From] = append(receivers[t.From], t.To)
	}

	senders := make([]int, 0, len(receivers))
	for s, rs := range receivers {
		sort.Ints(rs)
		senders = append(senders, s)
	}
	sort.Ints(senders)

	done := make(map[Transfer]bool, len(seen))
	var rounds [][]Transfer
	for len(done) < len(seen) {
		var round []Transfer
		receiving := make(map[int]bool)
		for _, s := range senders {
			rs := receivers[s]
			for j := range rs {
				r := rs[(s+j+1)%len(rs)]
				t := Transfer{From: s, To: r}
				if done[t] || receiving[r] {
					continue
				}
				done[t] = true
				receiving[r] = true
				round = append(round, t)
				break
			}
		}
		rounds = append(rounds, round)
	}
	return rounds
}
