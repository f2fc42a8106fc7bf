package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const backupPrefix = "hedgeedge-backup-"

// minBackupsToKeep is kept regardless of retention settings.
const minBackupsToKeep = 3

// StateBackupService archives the persisted JSON state documents and ships
// them to the object store.
type StateBackupService struct {
	store      *ObjectStore
	dataDir    string
	appVersion string
	log        zerolog.Logger
}

// BackupMetadata describes one backup archive.
type BackupMetadata struct {
	Timestamp  time.Time      `json:"timestamp"`
	AppVersion string         `json:"appVersion"`
	Files      []FileMetadata `json:"files"`
}

// FileMetadata describes one state document inside a backup.
type FileMetadata struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo describes a backup stored remotely.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"sizeBytes"`
	AgeHours  int64     `json:"ageHours"`
}

// NewStateBackupService creates a backup service over dataDir.
func NewStateBackupService(store *ObjectStore, dataDir, appVersion string, log zerolog.Logger) *StateBackupService {
	return &StateBackupService{
		store:      store,
		dataDir:    dataDir,
		appVersion: appVersion,
		log:        log.With().Str("component", "state_backup").Logger(),
	}
}

// CreateAndUploadBackup archives every JSON state document and uploads the
// archive.
func (s *StateBackupService) CreateAndUploadBackup(ctx context.Context) error {
	s.log.Info().Msg("Starting state backup")
	startTime := time.Now()

	archivePath, metadata, err := s.buildArchive()
	if err != nil {
		return err
	}
	defer os.Remove(archivePath)

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	if err := s.store.Upload(ctx, filepath.Base(archivePath), file); err != nil {
		return err
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("archive", filepath.Base(archivePath)).
		Int("files", len(metadata.Files)).
		Int64("size_bytes", info.Size()).
		Msg("State backup completed")
	return nil
}

// buildArchive creates a tar.gz of the state documents in a temp location
// and returns its path with the embedded metadata.
func (s *StateBackupService) buildArchive() (string, *BackupMetadata, error) {
	files, err := s.collectStateFiles()
	if err != nil {
		return "", nil, err
	}
	if len(files) == 0 {
		return "", nil, fmt.Errorf("no state documents found in %s", s.dataDir)
	}

	metadata := &BackupMetadata{
		Timestamp:  time.Now().UTC(),
		AppVersion: s.appVersion,
		Files:      make([]FileMetadata, 0, len(files)),
	}
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return "", nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		checksum, err := checksumFile(path)
		if err != nil {
			return "", nil, fmt.Errorf("failed to checksum %s: %w", path, err)
		}
		metadata.Files = append(metadata.Files, FileMetadata{
			Name:      filepath.Base(path),
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	archiveName := fmt.Sprintf("%s%s.tar.gz", backupPrefix, time.Now().Format("2006-01-02-150405"))
	archivePath := filepath.Join(os.TempDir(), archiveName)

	if err := s.writeArchive(archivePath, files, metadata); err != nil {
		os.Remove(archivePath)
		return "", nil, err
	}
	return archivePath, metadata, nil
}

// collectStateFiles returns the JSON documents in the data directory.
func (s *StateBackupService) collectStateFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(s.dataDir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (s *StateBackupService) writeArchive(archivePath string, files []string, metadata *BackupMetadata) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()
	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	metadataBytes, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := tarWriter.WriteHeader(&tar.Header{
		Name:    "backup-metadata.json",
		Size:    int64(len(metadataBytes)),
		Mode:    0o644,
		ModTime: metadata.Timestamp,
	}); err != nil {
		return err
	}
	if _, err := tarWriter.Write(metadataBytes); err != nil {
		return err
	}

	for _, path := range files {
		if err := addFileToArchive(tarWriter, path); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if err := tarWriter.WriteHeader(&tar.Header{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, file)
	return err
}

func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// ListBackups lists the backups stored remotely, newest first.
func (s *StateBackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now()
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		filename := *obj.Key
		if !strings.HasPrefix(filename, backupPrefix) || !strings.HasSuffix(filename, ".tar.gz") {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(filename, backupPrefix), ".tar.gz")
		timestamp, err := time.Parse("2006-01-02-150405", stamp)
		if err != nil {
			s.log.Warn().Str("filename", filename).Msg("Unparseable backup filename")
			continue
		}

		var sizeBytes int64
		if obj.Size != nil {
			sizeBytes = *obj.Size
		}
		backups = append(backups, BackupInfo{
			Filename:  filename,
			Timestamp: timestamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes remote backups beyond the keep count. At least
// minBackupsToKeep always survive.
func (s *StateBackupService) RotateOldBackups(ctx context.Context, keep int) error {
	if keep < minBackupsToKeep {
		keep = minBackupsToKeep
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}

	deleted := 0
	for _, backup := range backups[keep:] {
		if err := s.store.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}
	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return nil
}
