package model

// User is the display and authorization profile held by a session.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	LocationID string `json:"locationId"`
}
