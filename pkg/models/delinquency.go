package models

import "fmt"

// DelinquencyStatus is the aging classification of a loan.
type DelinquencyStatus string

const (
	DelinquencyCurrent             DelinquencyStatus = "CURRENT"
	DelinquencyEarlyWarning        DelinquencyStatus = "EARLY_WARNING"
	DelinquencyDelinquent          DelinquencyStatus = "DELINQUENT"
	DelinquencySeriouslyDelinquent DelinquencyStatus = "SERIOUSLY_DELINQUENT"
	DelinquencyWriteOffCandidate   DelinquencyStatus = "WRITE_OFF_CANDIDATE"
)

var delinquencySeverity = map[DelinquencyStatus]int{
	DelinquencyCurrent:             0,
	DelinquencyEarlyWarning:        1,
	DelinquencyDelinquent:          2,
	DelinquencySeriouslyDelinquent: 3,
	DelinquencyWriteOffCandidate:   4,
}

func (s DelinquencyStatus) Valid() bool {
	_, ok := delinquencySeverity[s]
	return ok
}

// Severity orders the statuses; unknown statuses report -1.
func (s DelinquencyStatus) Severity() int {
	if v, ok := delinquencySeverity[s]; ok {
		return v
	}
	return -1
}

// Threshold moves a loan into Status once DaysPastDue reaches MinDays.
type Threshold struct {
	MinDays int               `json:"min_days"`
	Status  DelinquencyStatus `json:"status"`
}

// Thresholds is an ascending aging table.
type Thresholds []Threshold

// DefaultThresholds is used by products that do not configure their own table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		{MinDays: 1, Status: DelinquencyEarlyWarning},
		{MinDays: 30, Status: DelinquencyDelinquent},
		{MinDays: 90, Status: DelinquencySeriouslyDelinquent},
		{MinDays: 180, Status: DelinquencyWriteOffCandidate},
	}
}

func (t Thresholds) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: empty delinquency threshold table", ErrInvalidProduct)
	}
	prevDays, prevSeverity := 0, 0
	for i, th := range t {
		if th.Status == DelinquencyCurrent || !th.Status.Valid() {
			return fmt.Errorf("%w: threshold %d has invalid status %q", ErrInvalidProduct, i, th.Status)
		}
		if th.MinDays <= prevDays {
			return fmt.Errorf("%w: threshold %d min days must ascend above %d", ErrInvalidProduct, i, prevDays)
		}
		if th.Status.Severity() <= prevSeverity {
			return fmt.Errorf("%w: threshold %d status %s out of severity order", ErrInvalidProduct, i, th.Status)
		}
		prevDays, prevSeverity = th.MinDays, th.Status.Severity()
	}
	return nil
}

// Classify maps days past due onto a status.
func (t Thresholds) Classify(daysPastDue int) DelinquencyStatus {
	status := DelinquencyCurrent
	for _, th := range t {
		if daysPastDue < th.MinDays {
			break
		}
		status = th.Status
	}
	return status
}
