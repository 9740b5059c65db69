package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	bag "github.com/seoulrobotics/rosbag-io"
)

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <bag-file>",
		Short: "Print a bag file's format version, size, and connection summary",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}
}

func runInfo(_ *cobra.Command, args []string) error {
	loadConfig()

	path := args[0]
	b, err := bag.Open(path, bag.ModeRead)
	if err != nil {
		return err
	}
	defer b.Close()

	size, err := b.GetSize()
	if err != nil {
		return err
	}
	fmt.Printf("%s: format v%d.%d, %d bytes\n", path, b.GetMajorVersion(), b.GetMinorVersion(), size)

	conns := b.Connections()
	fmt.Printf("connections: %d\n", len(conns))
	for _, id := range sortedConnIDs(conns) {
		ci := conns[id]
		count := 0
		if set, ok := b.ConnectionIndex(id); ok {
			count = set.Len()
		}
		fmt.Printf("  [%d] %-32s type=%-24s md5=%-8s messages=%d\n", id, ci.Topic, ci.DataType, shortMD5(ci.MD5Sum), count)
	}
	return nil
}

func sortedConnIDs(conns map[uint32]*bag.ConnectionInfo) []uint32 {
	ids := make([]uint32, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func shortMD5(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
