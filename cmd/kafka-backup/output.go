package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/encoding/json"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatCSV  = "csv"
)

func checkFormat(format string, allowed ...string) error {
	for _, f := range allowed {
		if format == f {
			return nil
		}
	}
	return apperrors.Newf(apperrors.ErrCodeConfig, "unsupported format %q, expected one of %s", format, strings.Join(allowed, ", "))
}

func backupMode(mode string) domain.BackupMode {
	return domain.BackupMode(strings.ToLower(mode))
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), humanize.Time(t))
}

func writeBackupList(w io.Writer, summaries []domain.BackupSummary) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "No backups found")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "BACKUP ID\tMODE\tGEN\tTOPICS\tPARTITIONS\tRECORDS\tSIZE\tCOMPLETED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			s.BackupID, s.Mode, s.Generation, s.Topics, s.Partitions,
			humanize.Comma(s.TotalRecords), humanize.Bytes(uint64(s.TotalBytes)),
			formatTime(s.CompletedAt))
	}
	return tw.Flush()
}

func writeManifest(w io.Writer, m *domain.Manifest) error {
	fmt.Fprintf(w, "Backup:       %s\n", m.BackupID)
	fmt.Fprintf(w, "Source:       %s\n", m.SourceCluster)
	fmt.Fprintf(w, "Mode:         %s (generation %d)\n", m.Mode, m.Generation)
	fmt.Fprintf(w, "Compression:  %s\n", m.Compression)
	fmt.Fprintf(w, "Created:      %s\n", formatTime(m.CreatedAt))
	fmt.Fprintf(w, "Completed:    %s\n", formatTime(m.CompletedAt))
	fmt.Fprintf(w, "Records:      %s\n", humanize.Comma(m.TotalRecords))
	fmt.Fprintf(w, "Size:         %s\n", humanize.Bytes(uint64(m.TotalBytes)))
	if m.ConsumerGroupSnapshot != "" {
		fmt.Fprintf(w, "Offsets:      snapshot %s\n", m.ConsumerGroupSnapshot)
	}
	fmt.Fprintln(w)

	tw := newTable(w)
	fmt.Fprintln(tw, "TOPIC\tPARTITION\tOFFSETS\tRECORDS\tSEGMENTS\tSIZE\tTIME RANGE")
	for _, t := range m.Topics {
		for _, p := range t.Partitions {
			var size int64
			var minTs, maxTs int64
			for i, s := range p.Segments {
				size += s.CompressedSize
				if i == 0 || s.MinTimestamp < minTs {
					minTs = s.MinTimestamp
				}
				if s.MaxTimestamp > maxTs {
					maxTs = s.MaxTimestamp
				}
			}
			fmt.Fprintf(tw, "%s\t%d\t[%d, %d)\t%s\t%d\t%s\t%s\n",
				t.Name, p.Partition, p.StartOffset, p.EndOffset,
				humanize.Comma(p.Records), len(p.Segments), humanize.Bytes(uint64(size)),
				timeRange(minTs, maxTs, len(p.Segments) > 0))
		}
	}
	return tw.Flush()
}

func timeRange(minTs, maxTs int64, ok bool) string {
	if !ok {
		return "-"
	}
	format := func(ms int64) string { return time.UnixMilli(ms).UTC().Format(time.RFC3339) }
	return format(minTs) + " .. " + format(maxTs)
}

func writeBackupStatus(w io.Writer, backupID string, s *domain.BackupStatus) error {
	fmt.Fprintf(w, "Backup:      %s (no committed manifest)\n", backupID)
	fmt.Fprintf(w, "Phase:       %s\n", s.Phase)
	fmt.Fprintf(w, "Topics:      %d\n", s.TopicsDiscovered)
	fmt.Fprintf(w, "Partitions:  %d of %d done\n", s.PartitionsDone, s.PartitionsTotal)
	fmt.Fprintf(w, "Records:     %s\n", humanize.Comma(s.RecordsProcessed))
	fmt.Fprintf(w, "Size:        %s\n", humanize.Bytes(uint64(s.BytesProcessed)))
	for _, e := range s.Errors {
		fmt.Fprintf(w, "Error:       %s\n", e)
	}
	return nil
}

func writeRestoreReport(w io.Writer, r *domain.JobResult) error {
	verb := "Restored"
	if r.DryRun {
		verb = "Would restore"
	}
	fmt.Fprintf(w, "Restore %s of backup %s: %s\n", r.ID, r.BackupID, r.Phase)
	fmt.Fprintf(w, "Window: %s\n", r.Window.String())
	fmt.Fprintf(w, "%s %s records, skipped %s\n", verb, humanize.Comma(r.TotalRecords), humanize.Comma(r.Skipped))

	tw := newTable(w)
	fmt.Fprintln(tw, "TOPIC\tPARTITION\tTARGET\tSTATUS\tRECORDS\tSKIPPED")
	for _, p := range r.Partitions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			p.Topic, p.Partition, domain.PartitionKey(p.TargetTopic, p.TargetPartition),
			p.Status, humanize.Comma(p.Records), humanize.Comma(p.Skipped))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "Error: %s\n", e)
	}
	return nil
}

func writeSnapshots(w io.Writer, snapshots []*domain.OffsetSnapshot) error {
	if len(snapshots) == 0 {
		_, err := fmt.Fprintln(w, "No snapshots found")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SNAPSHOT ID\tCREATED\tGROUPS\tDESCRIPTION")
	for _, s := range snapshots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, formatTime(s.CreatedAt), strings.Join(s.GroupNames(), ","), s.Description)
	}
	return tw.Flush()
}

func writeSnapshot(w io.Writer, s *domain.OffsetSnapshot) error {
	fmt.Fprintf(w, "Snapshot: %s\n", s.ID)
	fmt.Fprintf(w, "Created:  %s\n", formatTime(s.CreatedAt))
	if s.Description != "" {
		fmt.Fprintf(w, "About:    %s\n", s.Description)
	}
	fmt.Fprintln(w)
	return writeGroupOffsets(w, s.Groups)
}

func writeResetPlan(w io.Writer, plan *domain.ResetPlan, committed bool) error {
	state := "committed"
	if !committed {
		state = "not committed"
	}
	fmt.Fprintf(w, "Strategy: %s (%s)\n\n", plan.Strategy, state)
	return writeGroupOffsets(w, plan.Groups)
}

func writeGroupOffsets(w io.Writer, groups map[string]domain.GroupOffsets) error {
	names := (&domain.OffsetSnapshot{Groups: groups}).GroupNames()
	tw := newTable(w)
	fmt.Fprintln(tw, "GROUP\tPARTITION\tOFFSET")
	for _, g := range names {
		keys := make([]string, 0, len(groups[g]))
		for k := range groups[g] {
			keys = append(keys, k)
		}
		sortPartitionKeys(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", g, k, groups[g][k].Offset)
		}
	}
	return tw.Flush()
}

// sortPartitionKeys orders "topic:partition" keys numerically by partition.
func sortPartitionKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		ti, pi, errI := domain.ParsePartitionKey(keys[i])
		tj, pj, errJ := domain.ParsePartitionKey(keys[j])
		if errI != nil || errJ != nil || ti != tj {
			return keys[i] < keys[j]
		}
		return pi < pj
	})
}

func writeMappingText(w io.Writer, set *domain.MappingSet) error {
	fmt.Fprintf(w, "Restore %s of backup %s, window %s\n\n", set.RestoreID, set.BackupID, set.Window.String())
	tw := newTable(w)
	fmt.Fprintln(tw, "SOURCE\tTARGET\tENTRIES\tOLD RANGE\tNEW RANGE\tEND OFFSET")
	for _, m := range set.Mappings {
		oldRange, newRange := "-", "-"
		if n := len(m.Entries); n > 0 {
			oldRange = fmt.Sprintf("%d..%d", m.Entries[0].Old, m.Entries[n-1].Old)
			newRange = fmt.Sprintf("%d..%d", m.Entries[0].New, m.Entries[n-1].New)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			domain.PartitionKey(m.Topic, m.Partition),
			domain.PartitionKey(m.TargetTopic, m.TargetPartition),
			humanize.Comma(int64(len(m.Entries))), oldRange, newRange, m.EndOffset)
	}
	return tw.Flush()
}

func writeMappingCSV(w io.Writer, set *domain.MappingSet) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"topic", "partition", "target_topic", "target_partition", "old_offset", "new_offset", "timestamp"}); err != nil {
		return err
	}
	for _, m := range set.Mappings {
		for _, e := range m.Entries {
			row := []string{
				m.Topic,
				strconv.Itoa(int(m.Partition)),
				m.TargetTopic,
				strconv.Itoa(int(m.TargetPartition)),
				strconv.FormatInt(e.Old, 10),
				strconv.FormatInt(e.New, 10),
				strconv.FormatInt(e.Timestamp, 10),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
