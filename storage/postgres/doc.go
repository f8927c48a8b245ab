// Package postgres persists ctorgame sessions in PostgreSQL.
//
// Two tables back the session layer:
//   - games: one row per game, managed through gorm (Store). Conditional
//     writes such as claiming the second slot or deleting expired games are
//     single UPDATE/DELETE ... RETURNING statements.
//   - game_moves: the append-only move log, written through database/sql with
//     the lib/pq driver (MoveLog). An append only lands when it extends the
//     log by exactly one entry.
//
// Usage:
//
//	db, err := postgres.Open(dsn)
//	store := postgres.NewStore(db)
//	moves, err := postgres.OpenMoveLog(ctx, dsn)
//	manager, err := session.NewManager(store, moves, hub, settings)
package postgres
