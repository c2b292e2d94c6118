package spectrum

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/awalterschulze/gographviz"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"kspec/comm"
	"kspec/track"
)

// Traffic[src][dest] is the number of messages rank src sent to rank dest
type Traffic [][]uint64

// GatherTraffic shares every rank's Sent row so each rank holds the full
// matrix. All ranks must call it together.
func GatherTraffic(world comm.Communicator, sent []uint64) (Traffic, error) {
	n := world.Size()
	if len(sent) != n {
		return nil, errors.Errorf("[GatherTraffic] %d counters for %d ranks", len(sent), n)
	}
	row := n * 8
	send := make([]byte, n*row)
	recv := make([]byte, n*row)
	counts := make([]int, n)
	displs := make([]int, n)
	for r := 0; r < n; r++ {
		counts[r] = row
		displs[r] = r * row
		for d, c := range sent {
			binary.LittleEndian.PutUint64(send[r*row+d*8:], c)
		}
	}
	if err := world.Alltoallv(send, counts, displs, recv, counts, displs); err != nil {
		return nil, errors.Wrap(err, "[GatherTraffic]")
	}
	t := make(Traffic, n)
	for src := range t {
		t[src] = make([]uint64, n)
		for d := range t[src] {
			t[src][d] = binary.LittleEndian.Uint64(recv[src*row+d*8:])
		}
	}
	return t, nil
}

func rankNode(r int) string { return "rank" + strconv.Itoa(r) }

// WriteTrafficGraph writes t as a dot graph with one edge per rank pair
// that exchanged messages.
func WriteTrafficGraph(w io.Writer, t Traffic) error {
	g := gographviz.NewGraph()
	g.SetName("G")
	g.SetDir(true)
	g.SetStrict(false)
	for r := range t {
		attr := make(map[string]string)
		attr["color"] = "Green"
		attr["shape"] = "box"
		var in uint64
		for src := range t {
			in += t[src][r]
		}
		attr["label"] = "\"rank " + strconv.Itoa(r) + "\\nin: " + humanize.Comma(int64(in)) + "\""
		if err := g.AddNode("G", rankNode(r), attr); err != nil {
			return errors.Wrap(err, "[WriteTrafficGraph]")
		}
	}
	for src := range t {
		for dest, c := range t[src] {
			if c == 0 {
				continue
			}
			attr := make(map[string]string)
			attr["color"] = "Blue"
			attr["label"] = "\"" + humanize.Comma(int64(c)) + "\""
			if err := g.AddEdge(rankNode(src), rankNode(dest), true, attr); err != nil {
				return errors.Wrap(err, "[WriteTrafficGraph]")
			}
		}
	}
	_, err := io.WriteString(w, g.String())
	return errors.Wrap(err, "[WriteTrafficGraph]")
}

// FormatSummary renders a pass result and the spectrum totals for people
func FormatSummary[R track.Tracker](res *Result, s *Spectrum[R]) string {
	var sb strings.Builder
	st := s.Stats()
	msgSize := uint64(MessageSize(s.sizer))
	fmt.Fprintf(&sb, "rank %d: reads %s, kmers sent %s (%s), elapsed %v\n", res.Rank,
		humanize.Comma(int64(res.Reads)), humanize.Comma(int64(res.Kmers)),
		humanize.Bytes(res.Kmers*msgSize), res.Elapsed)
	var received uint64
	for _, c := range res.Received {
		received += c
	}
	fmt.Fprintf(&sb, "rank %d: kmers received %s, delivered %s, filtered %s, distinct %s\n", res.Rank,
		humanize.Comma(int64(received)), humanize.Comma(int64(s.Delivered())),
		humanize.Comma(int64(s.Filtered())), humanize.Comma(int64(s.Len())))
	fmt.Fprintf(&sb, "rank %d: total count %s, discarded %s, saturated %s, max count %d, max weighted %.2f, error rate %.5f\n", res.Rank,
		humanize.Comma(int64(st.TotalCount())), humanize.Comma(int64(st.Discarded())), humanize.Comma(int64(st.Saturated())),
		st.MaxCount(), st.MaxWeightedCount(), st.ErrorRate())
	fmt.Fprintf(&sb, "rank %d: batches %d, sync points %d, transit %v, thread wait %v\n", res.Rank,
		res.Send.Deliveries+res.Recv.Deliveries, res.Send.SyncPoints+res.Recv.SyncPoints,
		res.Send.Transit, res.Send.ThreadWait)
	if cf := s.Filter(); cf != nil {
		cst := cf.GetStat()
		fmt.Fprintf(&sb, "rank %d: filter items %s, load %.3f, admitted on a full filter %s\n", res.Rank,
			humanize.Comma(int64(cst.Items)), cst.Load, humanize.Comma(int64(s.FilterFull())))
	}
	return sb.String()
}
