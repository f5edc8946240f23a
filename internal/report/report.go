package report

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/book-expert/tts-coordinator/internal/assembler"
	"github.com/book-expert/tts-coordinator/internal/coordinator"
	"github.com/book-expert/tts-coordinator/internal/journal"
	"github.com/book-expert/tts-coordinator/internal/registry"
	"github.com/book-expert/tts-coordinator/internal/session"
)

const (
	tabMinWidth = 0
	tabWidth    = 4
	tabPadding  = 2
	tabPadChar  = ' '
	timeLayout  = "2006-01-02 15:04:05"
	none        = "-"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, tabMinWidth, tabWidth, tabPadding, tabPadChar, 0)
}

// WriteProgress prints a one-session status block.
func WriteProgress(w io.Writer, sess *session.Session) error {
	progress := sess.Progress()

	_, err := fmt.Fprintf(w,
		"Session   %s\nTitle     %s\nState     %s\nProgress  %d/%d (%s)  pending %d  dispatched %d  failed %d\n",
		sess.ID, orNone(sess.Title), sess.State(),
		progress.Completed, progress.Total, FormatPercent(progress.Percent()),
		progress.Pending, progress.Dispatched, progress.Failed)
	if err != nil {
		return err
	}

	var unresolved []coordinator.UnresolvedChunk

	sess.Each(func(chunk *session.Chunk) bool {
		if chunk.Status == session.StatusFailed {
			unresolved = append(unresolved, coordinator.UnresolvedChunk{
				Coord:      chunk.Coord(),
				Status:     chunk.Status,
				RetryCount: chunk.RetryCount,
				LastError:  chunk.LastError,
			})
		}

		return true
	})

	return writeUnresolved(w, unresolved)
}

// WriteRun prints the end-of-run report.
func WriteRun(w io.Writer, rep coordinator.Report) error {
	status := string(rep.State)
	if rep.Interrupted {
		status += " (interrupted)"
	}

	_, err := fmt.Fprintf(w,
		"Run %s of session %s finished in %s: %s\nCompleted %d/%d (%s), failed %d, pending %d\n",
		rep.RunID, rep.SessionID, FormatDuration(rep.Elapsed()), status,
		rep.Progress.Completed, rep.Progress.Total, FormatPercent(rep.Progress.Percent()),
		rep.Progress.Failed, rep.Progress.Pending)
	if err != nil {
		return err
	}

	if len(rep.Workers) > 0 {
		table := newTable(w)
		_, _ = fmt.Fprintln(table, "WORKER\tDISPATCHED\tCOMPLETED\tFAILED\tAVG SYNTHESIS")

		for _, stats := range rep.Workers {
			_, _ = fmt.Fprintf(table, "%s\t%d\t%d\t%d\t%s\n",
				stats.Name, stats.Dispatched, stats.Completed, stats.Failed,
				FormatDuration(stats.AverageSynthesis()))
		}

		err = table.Flush()
		if err != nil {
			return err
		}
	}

	return writeUnresolved(w, rep.Unresolved)
}

func writeUnresolved(w io.Writer, chunks []coordinator.UnresolvedChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	_, err := fmt.Fprintf(w, "Unresolved chunks (%d):\n", len(chunks))
	if err != nil {
		return err
	}

	table := newTable(w)
	_, _ = fmt.Fprintln(table, "CHUNK\tSTATUS\tRETRIES\tLAST ERROR")

	for _, chunk := range chunks {
		_, _ = fmt.Fprintf(table, "%s\t%s\t%d\t%s\n",
			chunk.Coord, chunk.Status, chunk.RetryCount, orNone(chunk.LastError))
	}

	return table.Flush()
}

// WriteSessions prints the stored sessions, newest first.
func WriteSessions(w io.Writer, summaries []session.Summary) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "No sessions.")

		return err
	}

	table := newTable(w)
	_, _ = fmt.Fprintln(table, "SESSION\tTITLE\tSTATE\tPROGRESS\tUPDATED")

	for _, summary := range summaries {
		_, _ = fmt.Fprintf(table, "%s\t%s\t%s\t%d/%d (%s)\t%s\n",
			summary.ID, orNone(summary.Title), summary.State,
			summary.Progress.Completed, summary.Progress.Total, FormatPercent(summary.Progress.Percent()),
			summary.UpdatedAt.Local().Format(timeLayout))
	}

	return table.Flush()
}

// WriteWorkers prints the registry in scheduling order.
func WriteWorkers(w io.Writer, workers []registry.Worker) error {
	if len(workers) == 0 {
		_, err := fmt.Fprintln(w, "No workers registered.")

		return err
	}

	table := newTable(w)
	_, _ = fmt.Fprintln(table, "NAME\tADDRESS\tTRANSPORT\tPRIORITY\tSLOTS\tTIMEOUT\tHEALTH\tDEVICE\tLAST PROBE")

	for _, worker := range workers {
		_, _ = fmt.Fprintf(table, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\t%s\t%s\n",
			worker.Name, address(worker), worker.Transport, worker.Priority,
			worker.Load, worker.MaxConcurrentJobs, timeout(worker.JobTimeout),
			worker.Health, orNone(worker.Device), probeTime(worker.LastProbe))
	}

	return table.Flush()
}

// WriteJournal prints a session's recorded transitions.
func WriteJournal(w io.Writer, entries []journal.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	table := newTable(w)
	_, _ = fmt.Fprintln(table, "TIME\tCHUNK\tEVENT\tWORKER\tDETAIL")

	for _, entry := range entries {
		coord := session.Coord{ChapterID: entry.ChapterID, ChunkID: entry.ChunkID}
		_, _ = fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n",
			entry.CreatedAt.Local().Format(timeLayout), coord, entry.Type,
			orNone(entry.Worker), orNone(entry.Detail))
	}

	return table.Flush()
}

// WriteAssembly prints the outcome of an assembly.
func WriteAssembly(w io.Writer, result assembler.Result, sizeBytes int64) error {
	manifest := result.Manifest

	_, err := fmt.Fprintf(w, "Wrote %s (%s, %s): %d segments, %d chapters\n",
		result.OutputPath, FormatMillis(manifest.TotalMS), FormatFileSize(sizeBytes),
		len(manifest.Segments), len(manifest.Chapters))
	if err != nil {
		return err
	}

	for _, gap := range manifest.Gaps {
		_, err = fmt.Fprintf(w, "Gap: chunk %s skipped at %s\n", gap.Coord, FormatMillis(gap.AtMS))
		if err != nil {
			return err
		}
	}

	return nil
}

func address(worker registry.Worker) string {
	if worker.User == "" {
		return worker.Host + ":" + strconv.Itoa(worker.Port)
	}

	return worker.User + "@" + worker.Host + ":" + strconv.Itoa(worker.Port)
}

func timeout(d time.Duration) string {
	if d == 0 {
		return "default"
	}

	return FormatDuration(d)
}

func probeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	return t.Local().Format(timeLayout)
}

func orNone(s string) string {
	if s == "" {
		return none
	}

	return s
}
