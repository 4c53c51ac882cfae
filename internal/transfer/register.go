package transfer

import (
	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/cuongbtq/convo-transfer/internal/scheduler"
)

// Register defines both transfer handlers on s.
func Register(s *scheduler.Scheduler, imp *ImportHandler, exp *ExportHandler) error {
	if err := s.Define(domain.JobNameImport, imp); err != nil {
		return err
	}
	return s.Define(domain.JobNameExport, exp)
}
