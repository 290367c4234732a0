package osu

// GroupUser is one entry of the json-users payload embedded in a group page.
type GroupUser struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	DefaultGroup string `json:"default_group"`
	CountryCode  string `json:"country_code,omitempty"`
}

// User is the subset of /api/v2/users/{id} the tracker reads.
type User struct {
	ID       int64     `json:"id"`
	Username string    `json:"username"`
	Page     *UserPage `json:"page"`
}

type UserPage struct {
	HTML string `json:"html"`
	Raw  string `json:"raw"`
}
