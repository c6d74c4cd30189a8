package ledger

import (
	"context"

	"github.com/CedrosPay/holdledger/internal/storage"
)

// StartBurn opens the burn window. Owner only.
func (l *Ledger) StartBurn(ctx context.Context, caller string) error {
	return l.setWindow(ctx, caller, "start_burn", true)
}

// CompleteBurn closes the burn window. Owner only.
func (l *Ledger) CompleteBurn(ctx context.Context, caller string) error {
	return l.setWindow(ctx, caller, "complete_burn", false)
}

// BurnWindowOpen reports the current window state.
func (l *Ledger) BurnWindowOpen(ctx context.Context) (bool, error) {
	var open bool
	err := l.view(ctx, "burn_window", func(tx storage.Tx) error {
		v, err := tx.BurnWindow(ctx)
		open = v
		return err
	})
	return open, err
}

func (l *Ledger) setWindow(ctx context.Context, caller, op string, open bool) error {
	if err := l.authorize(caller); err != nil {
		return l.fail(ctx, op, err)
	}

	err := l.update(ctx, op, func(tx storage.Tx) error {
		current, err := tx.BurnWindow(ctx)
		if err != nil {
			return err
		}
		switch {
		case open && current:
			return ErrWindowAlreadyOpen
		case !open && !current:
			return ErrWindowNotOpen
		}
		return tx.SetBurnWindow(ctx, open)
	})
	if err != nil {
		return l.fail(ctx, op, err)
	}

	if l.metrics != nil {
		l.metrics.SetBurnWindow(open)
	}
	l.log(ctx).Info().Bool("open", open).Msg("ledger." + op)
	return nil
}
