package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/tts-coordinator/internal/assembler"
	"github.com/book-expert/tts-coordinator/internal/coordinator"
	"github.com/book-expert/tts-coordinator/internal/fsutil"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/book-expert/tts-coordinator/internal/report"
	"github.com/book-expert/tts-coordinator/internal/session"
)

// Flag names.
const (
	flagSeed         = "seed"
	flagDocument     = "document"
	flagVoice        = "voice"
	flagOutput       = "output"
	flagAllowFailed  = "allow-failed"
	flagExaggeration = "exaggeration"
	flagCFG          = "cfg"
	flagTemperature  = "temperature"
	flagKeep         = "keep"
	flagJournal      = "journal"
)

// Flag descriptions.
const (
	flagSeedDesc         = "JSON file with the chapter/chunk text to synthesize (required)"
	flagDocumentDesc     = "Source document the session is keyed on (defaults to the seed file)"
	flagVoiceDesc        = "Voice reference audio uploaded to each worker"
	flagOutputDesc       = "Assemble into this file (or a book-named file in this directory) once every chunk is done"
	flagAllowFailedDesc  = "Assemble with failed chunks skipped, leaving recorded gaps"
	flagExaggerationDesc = "Emotion exaggeration"
	flagCFGDesc          = "Classifier-free guidance weight"
	flagTemperatureDesc  = "Sampling temperature"
	flagKeepDesc         = "Keep the session after a successful assembly instead of archiving it"
	flagJournalDesc      = "Show the recorded transition timeline"
)

// Messages.
const (
	msgResumed         = "Resuming session %s: %d interrupted chunks returned to pending\n"
	msgCreated         = "Created session %s with %d chunks\n"
	msgNotReady        = "Session %s is not ready to assemble (%s); run resume to continue\n"
	msgArchived        = "Session %s archived\n"
	msgDiscarded       = "Session %s discarded\n"
	msgNoWorkers       = "No usable workers; check 'workers test', then resume session %s\n"
	msgEarlierSession  = "Note: session %s holds earlier work on this document with different options\n"
	errMsgSeedRequired = "--seed is required"
	errMsgSessionID    = "a session id is required"
	errMsgOutput       = "--output is required"
	voiceHashLength    = 16
	defaultBookExt     = ".m4b"
	untitledBook       = "audiobook"
)

var errIncomplete = errors.New("session did not complete")

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

// sessionArg parses flags and returns the single positional session id.
func sessionArg(fs *flag.FlagSet, args []string) (string, error) {
	err := fs.Parse(args)
	if err != nil {
		return "", err
	}

	if fs.NArg() != 1 {
		return "", fmt.Errorf("%w: %s", errUsage, errMsgSessionID)
	}

	return fs.Arg(0), nil
}

func (a *app) cmdRun(ctx context.Context, args []string) error {
	fs := newFlagSet(cmdRun)
	seedPath := fs.String(flagSeed, "", flagSeedDesc)
	documentPath := fs.String(flagDocument, "", flagDocumentDesc)
	voicePath := fs.String(flagVoice, "", flagVoiceDesc)
	output := fs.String(flagOutput, "", flagOutputDesc)
	allowFailed := fs.Bool(flagAllowFailed, a.cfg.Coordinator.AllowFailedAssembly, flagAllowFailedDesc)
	exaggeration := fs.Float64(flagExaggeration, protocol.DefaultExaggeration, flagExaggerationDesc)
	cfgWeight := fs.Float64(flagCFG, protocol.DefaultCFG, flagCFGDesc)
	temperature := fs.Float64(flagTemperature, protocol.DefaultTemperature, flagTemperatureDesc)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if *seedPath == "" {
		return fmt.Errorf("%w: %s", errUsage, errMsgSeedRequired)
	}

	seedData, err := os.ReadFile(*seedPath)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}

	seed, err := session.ParseSeed(seedData)
	if err != nil {
		return err
	}

	document := seedData
	if *documentPath != "" {
		document, err = os.ReadFile(*documentPath)
		if err != nil {
			return fmt.Errorf("read document: %w", err)
		}
	}

	options := protocol.Options{
		Exaggeration: exaggeration,
		CFG:          cfgWeight,
		Temperature:  temperature,
		VoiceRefHash: nil,
	}

	if *voicePath != "" {
		voice, readErr := os.ReadFile(*voicePath)
		if readErr != nil {
			return fmt.Errorf("read voice reference: %w", readErr)
		}

		hash := session.DocumentHash(voice)[:voiceHashLength]
		options.VoiceRefHash = &hash
	}

	sess, err := a.openOrCreate(document, seed, options, *voicePath)
	if err != nil {
		return err
	}

	return a.drive(ctx, sess, *output, *allowFailed)
}

// openOrCreate resumes the session for this document and options if one
// exists, otherwise creates and persists a new one.
func (a *app) openOrCreate(document []byte, seed session.Seed, options protocol.Options, voicePath string) (*session.Session, error) {
	id := session.ComputeID(document, options)

	sess, reclassified, err := a.store.Resume(id, time.Now())
	if err == nil {
		_, _ = fmt.Fprintf(a.out, msgResumed, sess.ID, len(reclassified))

		return sess, nil
	}

	if !errors.Is(err, session.ErrSessionNotFound) {
		return nil, err
	}

	earlier, findErr := a.store.FindByDocument(session.DocumentHash(document))
	if findErr == nil {
		_, _ = fmt.Fprintf(a.out, msgEarlierSession, earlier.ID)
	}

	sess, err = session.New(session.NewParams{
		Document:     document,
		Seed:         seed,
		Options:      options,
		VoiceRefPath: voicePath,
		Now:          time.Now(),
	})
	if err != nil {
		return nil, err
	}

	err = a.store.Save(sess)
	if err != nil {
		return nil, err
	}

	_, _ = fmt.Fprintf(a.out, msgCreated, sess.ID, sess.Progress().Total)

	return sess, nil
}

// drive runs the session, prints the report and assembles when asked to
// and the session has settled.
func (a *app) drive(ctx context.Context, sess *session.Session, output string, allowFailed bool) error {
	rep, runErr := a.runSession(ctx, sess)

	if rep.SessionID != "" {
		err := report.WriteRun(a.out, rep)
		if err != nil {
			return err
		}
	}

	if errors.Is(runErr, coordinator.ErrNoWorkers) {
		_, _ = fmt.Fprintf(a.out, msgNoWorkers, sess.ID)
	}

	if runErr != nil {
		return runErr
	}

	if rep.Interrupted {
		return nil
	}

	if output == "" {
		if rep.State != session.StateCompleted {
			return fmt.Errorf("%w: %s", errIncomplete, rep.State)
		}

		return nil
	}

	return a.assemble(ctx, sess, output, allowFailed, false)
}

func (a *app) cmdResume(ctx context.Context, args []string) error {
	fs := newFlagSet(cmdResume)
	output := fs.String(flagOutput, "", flagOutputDesc)
	allowFailed := fs.Bool(flagAllowFailed, a.cfg.Coordinator.AllowFailedAssembly, flagAllowFailedDesc)

	id, err := sessionArg(fs, args)
	if err != nil {
		return err
	}

	sess, reclassified, err := a.store.Resume(id, time.Now())
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(a.out, msgResumed, sess.ID, len(reclassified))

	return a.drive(ctx, sess, *output, *allowFailed)
}

func (a *app) cmdStatus(ctx context.Context, args []string) error {
	fs := newFlagSet(cmdStatus)
	showJournal := fs.Bool(flagJournal, false, flagJournalDesc)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if fs.NArg() == 0 {
		summaries, listErr := a.store.List()
		if listErr != nil {
			return listErr
		}

		return report.WriteSessions(a.out, summaries)
	}

	sess, err := a.store.Load(fs.Arg(0))
	if err != nil {
		return err
	}

	err = report.WriteProgress(a.out, sess)
	if err != nil || !*showJournal {
		return err
	}

	timeline, err := a.openJournal(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = timeline.Close() }()

	entries, err := timeline.List(ctx, sess.ID, 0)
	if err != nil {
		return err
	}

	return report.WriteJournal(a.out, entries)
}

func (a *app) cmdAssemble(ctx context.Context, args []string) error {
	fs := newFlagSet(cmdAssemble)
	output := fs.String(flagOutput, "", flagOutputDesc)
	allowFailed := fs.Bool(flagAllowFailed, a.cfg.Coordinator.AllowFailedAssembly, flagAllowFailedDesc)
	keep := fs.Bool(flagKeep, false, flagKeepDesc)

	id, err := sessionArg(fs, args)
	if err != nil {
		return err
	}

	if *output == "" {
		return fmt.Errorf("%w: %s", errUsage, errMsgOutput)
	}

	sess, err := a.store.Load(id)
	if err != nil {
		return err
	}

	return a.assemble(ctx, sess, *output, *allowFailed, *keep)
}

// resolveOutput names the audiobook after its title when output is an
// existing directory.
func resolveOutput(output, title string) string {
	info, err := os.Stat(output)
	if err != nil || !info.IsDir() {
		return output
	}

	name := fsutil.SanitizeFilename(title)
	if name == "" {
		name = untitledBook
	}

	return filepath.Join(output, name+defaultBookExt)
}

// assemble muxes the session and archives it on success unless keep is set.
func (a *app) assemble(ctx context.Context, sess *session.Session, output string, allowFailed, keep bool) error {
	asm, err := a.newAssembler()
	if err != nil {
		return err
	}

	output = resolveOutput(output, sess.Title)

	result, err := asm.Assemble(ctx, sess, output, allowFailed)
	if err != nil {
		if errors.Is(err, assembler.ErrNotSettled) {
			_, _ = fmt.Fprintf(a.out, msgNotReady, sess.ID, sess.State())
		}

		return err
	}

	var size int64
	if info, statErr := os.Stat(result.OutputPath); statErr == nil {
		size = info.Size()
	}

	err = report.WriteAssembly(a.out, result, size)
	if err != nil {
		return err
	}

	if keep {
		return nil
	}

	err = a.store.Archive(sess.ID)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(a.out, msgArchived, sess.ID)

	return nil
}

func (a *app) cmdDiscard(ctx context.Context, args []string) error {
	id, err := sessionArg(newFlagSet(cmdDiscard), args)
	if err != nil {
		return err
	}

	err = a.store.Discard(id)
	if err != nil {
		return err
	}

	timeline, err := a.openJournal(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = timeline.Close() }()

	err = timeline.Delete(ctx, id)
	if err != nil {
		a.log.Warn("Session %s discarded but its journal remains: %v", id, err)
	}

	_, _ = fmt.Fprintf(a.out, msgDiscarded, id)

	return nil
}
