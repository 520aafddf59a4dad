package ticket

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// PoolStatus is one matchmaker pool as reported to the director.
type PoolStatus struct {
	Name      string
	InQueue   int
	Gathering bool
}

// MatchmakerStatus is the periodic heartbeat a matchmaker writes under its
// own id. The director uses it for liveness, ticket routing, and clock
// compensation.
type MatchmakerStatus struct {
	ProcessingTickets int
	LocalTime         time.Time
	Pools             []PoolStatus
}

// statusTimeLayout must round-trip any UTC wall-clock value exactly.
const statusTimeLayout = time.RFC3339Nano

// Text serializes the status as a single UTF-8 blob: first line
// "count<TAB>time", then one "name<TAB>queued<TAB>0|1" line per pool.
func (s *MatchmakerStatus) Text() string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(s.ProcessingTickets))
	sb.WriteByte('\t')
	sb.WriteString(s.LocalTime.UTC().Format(statusTimeLayout))
	for _, pool := range s.Pools {
		sb.WriteByte('\n')
		sb.WriteString(pool.Name)
		sb.WriteByte('\t')
		sb.WriteString(strconv.Itoa(pool.InQueue))
		sb.WriteByte('\t')
		if pool.Gathering {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// ParseStatus parses the Text form. Pools preserve their line order so the
// serialization round-trips exactly.
func ParseStatus(text string) (*MatchmakerStatus, error) {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, eris.New("status is empty")
	}
	head := strings.Split(lines[0], "\t")
	if len(head) != 2 {
		return nil, eris.Errorf("malformed status header %q", lines[0])
	}
	count, err := strconv.Atoi(head[0])
	if err != nil {
		return nil, eris.Wrap(err, "bad processing ticket count")
	}
	localTime, err := time.Parse(statusTimeLayout, head[1])
	if err != nil {
		return nil, eris.Wrap(err, "bad local time")
	}
	status := &MatchmakerStatus{
		ProcessingTickets: count,
		LocalTime:         localTime,
	}
	for _, line := range lines[1:] {
		parts := strings.Split(line, "\t")
		if len(parts) != 3 {
			return nil, eris.Errorf("malformed pool line %q", line)
		}
		inQueue, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, eris.Wrap(err, "bad pool queue count")
		}
		status.Pools = append(status.Pools, PoolStatus{
			Name:      parts[0],
			InQueue:   inQueue,
			Gathering: parts[2] == "1",
		})
	}
	return status, nil
}
