package database

func SaveAutomationRun(run *AutomationRun) error {
	return DB.Create(run).Error
}

// ListAutomationRuns returns runs newest first, optionally filtered by session.
func ListAutomationRuns(sessionID string, limit int) ([]AutomationRun, error) {
	var runs []AutomationRun
	q := DB.Order("started_at DESC, id DESC")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func GetAutomationRun(id uint) (*AutomationRun, error) {
	var run AutomationRun
	if err := DB.First(&run, id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}
