package server

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/crymatch/crymatch/pool"
	"github.com/crymatch/crymatch/state"
)

// PoolConfiguration describes the per-pool matching settings. An empty
// pool id addresses the default pool.
type PoolConfiguration struct {
	PoolID    string `json:"pool_id"`
	MatchSize int    `json:"match_size"`
}

func (s *Server) handleGetPoolConfiguration(ctx *fiber.Ctx) error {
	poolID := ctx.Params("id")
	val, err := s.st.GetString(ctx.Context(), state.PoolMatchSizeKey(poolID))
	if err != nil {
		s.logger.Error().Err(err).Str("pool", poolID).Msg("failed to read pool configuration")
		return ctx.Status(fiber.StatusInternalServerError).JSON(TicketStatusResponse{Status: StatusInternalError})
	}
	matchSize := pool.DefaultMatchSize
	if val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			matchSize = parsed
		}
	}
	return ctx.JSON(PoolConfiguration{PoolID: poolID, MatchSize: matchSize})
}

func (s *Server) handleSetPoolConfiguration(ctx *fiber.Ctx) error {
	var cfg PoolConfiguration
	if err := ctx.BodyParser(&cfg); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(TicketStatusResponse{Status: StatusBadRequest})
	}
	poolID := ctx.Params("id")
	if poolID == "" {
		poolID = cfg.PoolID
	}
	if cfg.MatchSize < 2 {
		return ctx.Status(fiber.StatusBadRequest).JSON(TicketStatusResponse{Status: StatusBadRequest})
	}
	err := s.st.SetString(ctx.Context(), state.PoolMatchSizeKey(poolID), strconv.Itoa(cfg.MatchSize), 0)
	if err != nil {
		s.logger.Error().Err(err).Str("pool", poolID).Msg("failed to write pool configuration")
		return ctx.Status(fiber.StatusInternalServerError).JSON(TicketStatusResponse{Status: StatusInternalError})
	}
	return ctx.JSON(TicketStatusResponse{Status: StatusOK})
}
