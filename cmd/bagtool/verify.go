package main

import (
	"fmt"

	"github.com/spf13/cobra"

	bag "github.com/seoulrobotics/rosbag-io"
)

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <bag-file>",
		Short: "Decompress and parse every indexed message, reporting corruption",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}
}

func runVerify(_ *cobra.Command, args []string) error {
	loadConfig()

	path := args[0]
	b, err := bag.Open(path, bag.ModeRead)
	if err != nil {
		return err
	}
	defer b.Close()

	var total, failed int
	for _, id := range sortedConnIDs(b.Connections()) {
		ci := b.Connections()[id]
		set, ok := b.ConnectionIndex(id)
		if !ok {
			continue
		}
		for _, e := range set.Entries() {
			total++
			if _, _, err := b.ReadMessage(e); err != nil {
				failed++
				fmt.Printf("connection %d (%s) at chunk %d offset %d: %v\n", id, ci.Topic, e.ChunkPos, e.Offset, err)
			}
		}
	}

	fmt.Printf("%s: %d/%d messages readable\n", path, total-failed, total)
	if failed > 0 {
		return fmt.Errorf("bagtool: %d of %d messages failed to read", failed, total)
	}
	return nil
}
