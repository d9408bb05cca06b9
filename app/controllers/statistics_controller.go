package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/statistics"
)

type StatisticsController struct {
	stats *statistics.Service
}

func NewStatisticsController(stats *statistics.Service) *StatisticsController {
	return &StatisticsController{stats: stats}
}

// HandleStatistics returns the cached counts; ?refresh=true recounts.
func (sc *StatisticsController) HandleStatistics(c *fiber.Ctx) error {
	get := sc.stats.Get
	if c.QueryBool("refresh") {
		get = sc.stats.Refresh
	}
	snap, err := get(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(snap)
}
