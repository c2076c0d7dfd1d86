package store

import (
	"context"
	"slices"

	"github.com/mjl-/bstore"
)

// NeedsTraining returns whether a label change from old to new means the junk
// classifier should be trained with the message, and if so whether as junk.
// Adding the junk keyword trains as junk. Adding the notjunk keyword, or
// removing the junk keyword, trains as ham.
func NeedsTraining(old, new []string, junkKeyword, notJunkKeyword string) (train, junk bool) {
	oldJunk := slices.Contains(old, junkKeyword)
	newJunk := slices.Contains(new, junkKeyword)
	switch {
	case !oldJunk && newJunk:
		return true, true
	case oldJunk && !newJunk:
		return true, false
	case !slices.Contains(old, notJunkKeyword) && slices.Contains(new, notJunkKeyword):
		return true, false
	}
	return false, false
}

// QueueTraining adds a training task for message id. Called in the
// transaction that changes the labels.
func (a *Account) QueueTraining(tx *bstore.Tx, id MessageID, junk bool) error {
	return tx.Insert(&TrainTask{MessageID: id, Junk: junk})
}

// TrainTasks returns the queued training tasks, oldest first.
func (a *Account) TrainTasks(ctx context.Context) ([]TrainTask, error) {
	return bstore.QueryDB[TrainTask](ctx, a.DB).SortAsc("ID").List()
}
