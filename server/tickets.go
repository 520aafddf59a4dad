package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"

	"github.com/crymatch/crymatch/director"
	"github.com/crymatch/crymatch/ticket"
)

// TicketStatusResponse is the body of every ticket mutation response.
type TicketStatusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleTicketSubmit(ctx *fiber.Ctx) error {
	var t ticket.Ticket
	if err := ctx.BodyParser(&t); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(TicketStatusResponse{Status: StatusBadRequest})
	}
	if err := s.dir.SubmitTicket(&t); err != nil {
		if eris.Is(err, director.ErrBadRequest) {
			return ctx.Status(fiber.StatusBadRequest).JSON(TicketStatusResponse{Status: StatusBadRequest})
		}
		s.logger.Error().Err(err).Msg("ticket submit failed")
		return ctx.Status(fiber.StatusInternalServerError).JSON(TicketStatusResponse{Status: StatusInternalError})
	}
	return ctx.JSON(TicketStatusResponse{Status: StatusOK})
}

func (s *Server) handleTicketRemove(ctx *fiber.Ctx) error {
	var t ticket.Ticket
	if err := ctx.BodyParser(&t); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(TicketStatusResponse{Status: StatusBadRequest})
	}
	err := s.dir.RemoveTicket(ctx.Context(), t.GlobalID)
	switch {
	case err == nil:
		return ctx.JSON(TicketStatusResponse{Status: StatusOK})
	case eris.Is(err, director.ErrBadRequest):
		return ctx.Status(fiber.StatusBadRequest).JSON(TicketStatusResponse{Status: StatusBadRequest})
	case eris.Is(err, director.ErrNotFound):
		return ctx.Status(fiber.StatusNotFound).JSON(TicketStatusResponse{Status: StatusNotFound})
	default:
		s.logger.Error().Err(err).Msg("ticket remove failed")
		return ctx.Status(fiber.StatusInternalServerError).JSON(TicketStatusResponse{Status: StatusInternalError})
	}
}
