package indexer

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aihaysteve/ragrun/internal/chunk"
	"github.com/aihaysteve/ragrun/internal/queue"
	"github.com/aihaysteve/ragrun/internal/store"
)

// EmailIndexer indexes .eml messages under a configured mail store into
// the "email" system collection — grounded on
// original_source/src/local_rag/indexers/email_indexer.py's watermark-
// in-description / message-id-as-source-path conventions, adapted from
// eM Client's proprietary mail_data.dat (whose schema isn't present
// anywhere in the retrieval pack) to the portable .eml export format a
// Go-only pipeline can parse without a reverse-engineered binary reader.
type EmailIndexer struct {
	Deps   *Deps
	Logger *slog.Logger
}

// NewEmailIndexer builds an EmailIndexer over deps.
func NewEmailIndexer(deps *Deps, logger *slog.Logger) *EmailIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailIndexer{Deps: deps, Logger: logger}
}

type emailMessage struct {
	MessageID  string
	Subject    string
	Sender     string
	Recipients []string
	Date       string
	Folder     string
	Body       string
}

// Index implements queue.Indexer for IndexerEmail jobs. job.Path
// overrides the configured mail store root when set (spec.md §4.8's
// startup sync always submits with the configured root).
func (e *EmailIndexer) Index(ctx context.Context, job queue.IndexJob) (queue.Result, error) {
	root := e.Deps.Config.MailStorePath
	if job.Path != "" {
		root = job.Path
	}
	if root == "" {
		return queue.Result{}, nil
	}

	collectionID, err := e.Deps.Store.GetOrCreateCollection(ctx, "email", store.CollectionSystem)
	if err != nil {
		return queue.Result{}, err
	}

	sinceDate := ""
	if !job.Force {
		if coll, ok, err := e.Deps.Store.GetCollectionByName(ctx, "email"); err == nil && ok {
			sinceDate = coll.Description
		}
	}

	files := discoverEmlFiles(root)
	res := queue.Result{TotalFound: len(files)}
	latest := sinceDate

	for _, f := range files {
		msg, err := parseEmlFile(root, f)
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, err.Error())
			continue
		}
		if msg.MessageID == "" {
			res.Skipped++
			continue
		}
		if sinceDate != "" && msg.Date != "" && msg.Date <= sinceDate {
			res.Skipped++
			continue
		}
		if !job.Force {
			var existing int64
			row := e.Deps.Store.DB().QueryRowContext(ctx,
				`SELECT id FROM sources WHERE collection_id = ? AND source_path = ?`, collectionID, msg.MessageID)
			if err := row.Scan(&existing); err == nil {
				res.Skipped++
				continue
			}
		}

		chunks := wordWindowChunks(msg.MessageID, msg.Subject, msg.Subject+"\n\n"+msg.Body,
			e.Deps.Config.ChunkSizeTokens, e.Deps.Config.ChunkOverlapTokens)
		if len(chunks) == 0 {
			res.SkippedEmpty++
			continue
		}

		inputs, texts := chunkInputsForEmail(chunks, msg)
		vectors, err := embedAll(ctx, e.Deps.Embedder, texts)
		if err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, err.Error())
			continue
		}

		if _, err := e.Deps.Store.UpsertSourceWithChunks(ctx, collectionID, msg.MessageID, "email", inputs, vectors, nil, nil); err != nil {
			res.Errors++
			res.ErrorMessages = append(res.ErrorMessages, err.Error())
			continue
		}
		res.Indexed++
		if msg.Date > latest {
			latest = msg.Date
		}
	}

	if latest != "" && latest != sinceDate {
		if _, err := e.Deps.Store.DB().ExecContext(ctx,
			`UPDATE collections SET description = ? WHERE id = ?`, latest, collectionID); err != nil {
			e.Logger.Warn("failed to persist email watermark", "error", err)
		}
	}

	return res, nil
}

func chunkInputsForEmail(chunks []*chunk.Chunk, msg emailMessage) ([]store.ChunkInput, []string) {
	inputs := make([]store.ChunkInput, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		meta := map[string]any{
			"sender":     msg.Sender,
			"recipients": msg.Recipients,
			"date":       msg.Date,
			"folder":     msg.Folder,
		}
		inputs[i] = store.ChunkInput{ChunkIndex: i, Title: msg.Subject, Content: c.Content, Metadata: meta}
		texts[i] = c.Content
	}
	return inputs, texts
}

func discoverEmlFiles(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if isHidden(d.Name()) && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".eml") {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}

func parseEmlFile(root, path string) (emailMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return emailMessage{}, err
	}
	defer f.Close()

	m, err := mail.ReadMessage(f)
	if err != nil {
		return emailMessage{}, err
	}
	body, err := io.ReadAll(m.Body)
	if err != nil {
		return emailMessage{}, err
	}

	msg := emailMessage{
		MessageID: strings.Trim(m.Header.Get("Message-Id"), "<>"),
		Subject:   m.Header.Get("Subject"),
		Sender:    m.Header.Get("From"),
		Date:      m.Header.Get("Date"),
		Body:      string(body),
		Folder:    folderFromPath(root, path),
	}
	if to := m.Header.Get("To"); to != "" {
		msg.Recipients = strings.Split(to, ",")
		for i := range msg.Recipients {
			msg.Recipients[i] = strings.TrimSpace(msg.Recipients[i])
		}
	}
	if msg.MessageID == "" {
		msg.MessageID = "eml://" + filepath.ToSlash(path)
	}
	return msg, nil
}

// folderFromPath reports the mail store's first path component below
// root, treated as the folder name the way eM Client's account/folder
// directory layout does.
func folderFromPath(root, path string) string {
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil || rel == "." {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return parts[0]
}
