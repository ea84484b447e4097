package tokens

import "time"

// Account holds a user's prepaid token balance. Balance is only changed by a
// single conditional UPDATE so it is never observably negative.
type Account struct {
	Email     string    `gorm:"column:email;primaryKey" json:"email"`
	Balance   Amount    `gorm:"column:balance;not null" json:"balance"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Account) TableName() string { return "token_account" }
