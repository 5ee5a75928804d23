package model

import "time"

// Reading is one persisted channel value of a reading vector.
// Table: readings
type Reading struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"column:timestamp;not null;index:idx_readings_device_ts,priority:2"`
	DeviceID  int       `gorm:"column:device_id;not null;index:idx_readings_device_ts,priority:1"`
	Family    string    `gorm:"column:family;not null"`
	Port      string    `gorm:"column:port;not null"`
	Channel   string    `gorm:"column:channel;not null"`
	Value     float64   `gorm:"column:value"`
}

func (Reading) TableName() string { return "readings" }
