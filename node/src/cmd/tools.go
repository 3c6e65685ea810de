package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/execution"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/history"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/storage"
)

var closeCmd = &cobra.Command{
	Use:   "close <txset.json>",
	Short: "Close one ledger from a transaction set file without starting the node",
	Long: `close reads a JSON transaction set ({"close_time": ..., "transactions": [...]})
from the given file, or from stdin when the file is "-", applies it on top of
the last closed ledger and archives the result.`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

var metaCmd = &cobra.Command{
	Use:   "meta <seq>",
	Short: "Print the meta records of an archived ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runMeta,
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild entry state from the history archive and verify its hashes",
	Args:  cobra.NoArgs,
	RunE:  runReplay,
}

func init() {
	metaCmd.Flags().Bool("raw", false, "Write the encoded meta stream instead of JSON")

	f := replayCmd.Flags()
	f.Uint32("to", 0, "Last ledger to replay (0 for the latest)")
	f.String("sqlite", "", "Rebuild into a new SQLite database at this path instead of memory")
	f.Bool("check", false, "Compare the rebuilt state with the node's configured store")
}

func readCloseData(path string, stdin io.Reader) (execution.CloseData, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return execution.CloseData{}, err
		}
		defer f.Close()
		r = f
	}

	var data execution.CloseData
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		return execution.CloseData{}, ledgerErr.New(ledgerErr.ErrorTypeInvalidInput, "invalid transaction set", err)
	}
	return data, nil
}

func runClose(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	data, err := readCloseData(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.CloseTimeout.Std())
	defer cancel()
	n, err := openNode(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer n.Close()

	cl, err := n.manager.CloseLedger(ctx, data)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	succeeded := 0
	for _, res := range cl.Results {
		if res.Code == execution.TxSuccess {
			succeeded++
		}
	}
	fmt.Fprintf(out, "ledger %d closed\n", cl.Header.Seq)
	fmt.Fprintf(out, "  hash          %s\n", cl.Hash())
	fmt.Fprintf(out, "  transactions  %s (%s succeeded)\n", humanize.Comma(int64(len(cl.Results))), humanize.Comma(int64(succeeded)))
	fmt.Fprintf(out, "  records       %s\n", humanize.Comma(int64(len(cl.Records))))
	fmt.Fprintf(out, "  meta          %s\n", humanize.Bytes(uint64(len(cl.Meta))))
	for _, res := range cl.Results {
		if res.Code != execution.TxSuccess {
			fmt.Fprintf(out, "  tx %s: %s %v\n", res.TxID, res.Code, res.OpResults)
		}
	}
	return nil
}

type metaDump struct {
	Seq      uint32              `json:"seq"`
	Hash     ledger.Hash         `json:"hash"`
	MetaHash ledger.Hash         `json:"meta_hash"`
	Records  []ledger.MetaRecord `json:"records"`
}

func runMeta(cmd *cobra.Command, args []string) error {
	seq, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || seq == 0 {
		return ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "ledger sequence must be a positive integer, got %q", args[0])
	}
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	archive, err := history.Open(cfg.HistoryDir, logger)
	if err != nil {
		return err
	}
	header, err := archive.Header(uint32(seq))
	if err != nil {
		return err
	}
	meta, err := archive.Meta(uint32(seq))
	if err != nil {
		return err
	}

	if raw, _ := cmd.Flags().GetBool("raw"); raw {
		_, err := cmd.OutOrStdout().Write(meta)
		return err
	}
	records, err := ledger.UnmarshalMeta(meta)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(metaDump{Seq: header.Seq, Hash: header.Hash(), MetaHash: header.MetaHash, Records: records})
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	to, _ := flags.GetUint32("to")
	sqlitePath, _ := flags.GetString("sqlite")
	check, _ := flags.GetBool("check")

	archive, err := history.Open(cfg.HistoryDir, logger)
	if err != nil {
		return err
	}

	var target storage.EntryStore
	if sqlitePath != "" {
		if _, err := os.Stat(sqlitePath); err == nil {
			return ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "%s already exists", sqlitePath)
		}
		s, err := storage.NewSQLiteStore(sqlitePath, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		target = s
	} else {
		target = storage.NewMemStore(nil, nil, logger)
	}

	ctx := cmd.Context()
	header, err := archive.Replay(ctx, target, 1, to)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "replayed ledgers 1..%d\n", header.Seq)
	fmt.Fprintf(out, "  hash  %s\n", header.Hash())
	lister := target.(storage.Lister)
	for _, t := range ledger.EntryTypes() {
		entries, err := lister.Entries(ctx, t)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %-10s %s\n", t, humanize.Comma(int64(len(entries))))
	}

	if !check {
		return nil
	}
	if to != 0 && to != archive.LatestSeq() {
		return ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "--check needs a replay up to the latest ledger")
	}
	store, _, volatile, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if volatile {
		return ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, "the configured store keeps no state to check")
	}
	diffs, err := compareStores(ctx, lister, store.(storage.Lister))
	if err != nil {
		return err
	}
	if diffs > 0 {
		return ledgerErr.Newf(ledgerErr.ErrorTypeInternal, "store differs from history in %d entries", diffs)
	}
	fmt.Fprintln(out, "  store matches history")
	return nil
}

// compareStores counts the keys whose entries differ between want and got.
func compareStores(ctx context.Context, want, got storage.Lister) (int, error) {
	diffs := 0
	for _, t := range ledger.EntryTypes() {
		a, err := want.Entries(ctx, t)
		if err != nil {
			return 0, err
		}
		b, err := got.Entries(ctx, t)
		if err != nil {
			return 0, err
		}
		byKey := make(map[ledger.EntryKey]ledger.Entry, len(b))
		for _, e := range b {
			byKey[e.Key] = e
		}
		for _, e := range a {
			other, ok := byKey[e.Key]
			if !ok || !e.Equal(other) {
				diffs++
			}
			delete(byKey, e.Key)
		}
		diffs += len(byKey)
	}
	return diffs, nil
}
