package copier

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// offlineTrade is one line of the agent-side offline trade journal. Agents
// append these while the host is down so nothing is lost across restarts.
type offlineTrade struct {
	Event      string  `json:"event"`
	Ticket     string  `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Volume     float64 `json:"volume"`
	Profit     float64 `json:"profit"`
	Swap       float64 `json:"swap"`
	Commission float64 `json:"commission"`
	Timestamp  int64   `json:"timestampUnix"`
}

// offlineLogName returns the journal file an agent writes for one account.
func offlineLogName(accountID string) string {
	return fmt.Sprintf("offline-trades-%s.jsonl", accountID)
}

// SyncOfflineTrades replays each follower's offline journal from logDir.
// Only COPY_CLOSE records newer than the persisted watermark are applied;
// malformed lines are skipped. Returns the number of applied records.
func (e *Engine) SyncOfflineTrades(logDir string) (int, error) {
	e.mu.Lock()
	var followers []struct {
		groupID string
		f       *FollowerConfig
	}
	for _, g := range e.groups {
		for _, f := range g.Followers {
			followers = append(followers, struct {
				groupID string
				f       *FollowerConfig
			}{g.ID, f})
		}
	}
	e.mu.Unlock()

	applied := 0
	for _, fw := range followers {
		n, err := e.syncFollowerJournal(logDir, fw.groupID, fw.f)
		if err != nil {
			e.log.Warn().
				Err(err).
				Str("follower_id", fw.f.ID).
				Msg("Failed to read offline trade journal")
			continue
		}
		applied += n
	}

	if applied > 0 && e.store != nil {
		e.mu.Lock()
		watermarks := e.snapshotWatermarksLocked()
		stats := e.snapshotStatsLocked()
		activity := append([]ActivityEntry(nil), e.activity...)
		e.mu.Unlock()
		e.store.SaveNow(watermarkFile, watermarks)
		e.store.Save(statsFile, stats)
		e.store.Save(activityFile, activity)
	}
	return applied, nil
}

func (e *Engine) syncFollowerJournal(logDir, groupID string, f *FollowerConfig) (int, error) {
	path := filepath.Join(logDir, offlineLogName(f.AccountID))
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	e.mu.Lock()
	watermark := e.watermarks[f.AccountID]
	e.mu.Unlock()

	applied := 0
	newest := watermark
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var trade offlineTrade
		if err := json.Unmarshal(line, &trade); err != nil {
			continue // agents truncate mid-write on crash
		}
		if trade.Event != "COPY_CLOSE" || trade.Timestamp <= watermark {
			continue
		}

		profit := trade.Profit + trade.Swap + trade.Commission
		e.mu.Lock()
		st := e.statsFor(f.ID)
		st.TotalProfit += profit
		st.TradesTotal++
		e.bumpToday(st)
		e.appendActivityLocked(ActivityEntry{
			ID:         uuid.New().String(),
			GroupID:    groupID,
			FollowerID: f.ID,
			Timestamp:  time.Unix(trade.Timestamp, 0),
			Type:       "close",
			Symbol:     trade.Symbol,
			Action:     "offline",
			Volume:     trade.Volume,
			Status:     "success",
		})
		e.mu.Unlock()

		if trade.Timestamp > newest {
			newest = trade.Timestamp
		}
		applied++
	}
	if err := scanner.Err(); err != nil {
		return applied, err
	}

	if newest > watermark {
		e.mu.Lock()
		e.watermarks[f.AccountID] = newest
		e.mu.Unlock()
	}
	if applied > 0 {
		e.log.Info().
			Str("follower_id", f.ID).
			Int("applied", applied).
			Msg("Reconciled offline trades")
	}
	return applied, nil
}
