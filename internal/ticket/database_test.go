package ticket

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/tiquetes/internal/extraction"
)

var _ = Describe("BoltDB", func() {
	var (
		dbPath string
		db     *BoltDB
		now    time.Time
	)

	BeforeEach(func() {
		dbPath = filepath.Join(GinkgoT().TempDir(), "test.db")
		now = time.Date(2024, 2, 1, 9, 30, 0, 0, time.UTC)
		var err error
		db, err = NewBoltDB(dbPath, time.Hour, 10*time.Minute)
		Expect(err).NotTo(HaveOccurred())
		db.now = func() time.Time { return now }
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("SaveTicket", func() {
		var (
			t   *Ticket
			err error
		)

		BeforeEach(func() {
			t = &Ticket{
				ID:            "ticket-1",
				Stage:         StageReviewed,
				ImageFilename: "uploads/ticket-1_foto.jpg",
				Parsed: &extraction.ParsedTicket{
					TableData: []extraction.Field{
						extraction.NewField(extraction.FieldCodigo, "A1", extraction.NotAvailable),
						extraction.NewField(extraction.FieldNombreAgricultor, "Juan", "Juan Pérez"),
					},
					Nota: "sin novedad",
				},
				CreatedAt: now,
				UpdatedAt: now,
			}
		})

		JustBeforeEach(func() {
			err = db.SaveTicket("session-1", t)
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should store the ticket under the session", func() {
			saved, getErr := db.GetTicket("session-1")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(saved.ID).To(Equal("ticket-1"))
			Expect(saved.Stage).To(Equal(StageReviewed))
			Expect(saved.Parsed.Nota).To(Equal("sin novedad"))
		})

		It("should restore field kinds on read", func() {
			saved, getErr := db.GetTicket("session-1")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(saved.Parsed.TableData[0].Kind).To(Equal(extraction.FieldCodigo))
			Expect(saved.Codigo()).To(Equal("A1"))
			Expect(saved.Nombre()).To(Equal("Juan Pérez"))
		})

		It("should keep other sessions apart", func() {
			_, getErr := db.GetTicket("session-2")
			Expect(getErr).To(MatchError(ErrMissingTicket))
		})
	})

	Describe("GetTicket", func() {
		var err error

		When("the ticket is older than the session TTL", func() {
			BeforeEach(func() {
				Expect(db.SaveTicket("session-1", &Ticket{ID: "ticket-1", Stage: StageUploaded})).To(Succeed())
				now = now.Add(2 * time.Hour)
			})

			JustBeforeEach(func() {
				_, err = db.GetTicket("session-1")
			})

			It("returns ErrMissingTicket", func() {
				Expect(err).To(MatchError(ErrMissingTicket))
			})
		})

		When("the ticket was saved again recently", func() {
			BeforeEach(func() {
				Expect(db.SaveTicket("session-1", &Ticket{ID: "ticket-1", Stage: StageUploaded})).To(Succeed())
				now = now.Add(50 * time.Minute)
				Expect(db.SaveTicket("session-1", &Ticket{ID: "ticket-1", Stage: StageReviewed})).To(Succeed())
				now = now.Add(50 * time.Minute)
			})

			It("is still available", func() {
				t, err := db.GetTicket("session-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(t.Stage).To(Equal(StageReviewed))
			})
		})
	})

	Describe("GetTicket with an unknown stage", func() {
		BeforeEach(func() {
			Expect(db.SaveTicket("session-1", &Ticket{ID: "ticket-1", Stage: Stage("perdido")})).To(Succeed())
		})

		It("refuses the record", func() {
			_, err := db.GetTicket("session-1")
			Expect(err).To(MatchError(ContainSubstring(`unknown stage "perdido"`)))
		})
	})

	Describe("ConsumeAuthCode", func() {
		var (
			code *AuthCode
			err  error
		)

		BeforeEach(func() {
			Expect(db.SaveAuthCode(&AuthCode{
				Code:      "123456",
				SessionID: "session-1",
				TicketID:  "ticket-1",
				IssuedAt:  now,
			})).To(Succeed())
		})

		When("the code matches the session", func() {
			JustBeforeEach(func() {
				code, err = db.ConsumeAuthCode("123456", "session-1")
			})

			It("returns the code", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(code.TicketID).To(Equal("ticket-1"))
			})

			It("cannot be used twice", func() {
				_, err = db.ConsumeAuthCode("123456", "session-1")
				Expect(err).To(MatchError(ErrInvalidAuthorization))
			})
		})

		When("another session presents the code", func() {
			It("is rejected and stays valid for its owner", func() {
				_, err = db.ConsumeAuthCode("123456", "session-2")
				Expect(err).To(MatchError(ErrInvalidAuthorization))

				_, err = db.ConsumeAuthCode("123456", "session-1")
				Expect(err).NotTo(HaveOccurred())
			})
		})

		When("the code expired", func() {
			BeforeEach(func() {
				now = now.Add(11 * time.Minute)
			})

			It("is rejected", func() {
				_, err = db.ConsumeAuthCode("123456", "session-1")
				Expect(err).To(MatchError(ErrInvalidAuthorization))
			})
		})

		When("the code is unknown", func() {
			It("is rejected", func() {
				_, err = db.ConsumeAuthCode("654321", "session-1")
				Expect(err).To(MatchError(ErrInvalidAuthorization))
			})
		})
	})

	Describe("PurgeExpired", func() {
		BeforeEach(func() {
			Expect(db.SaveTicket("old", &Ticket{ID: "old"})).To(Succeed())
			Expect(db.SaveAuthCode(&AuthCode{Code: "111111", SessionID: "old"})).To(Succeed())
			now = now.Add(90 * time.Minute)
			Expect(db.SaveTicket("fresh", &Ticket{ID: "fresh", Stage: StageUploaded})).To(Succeed())
		})

		It("removes only expired records", func() {
			removed, err := db.PurgeExpired()
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(2))

			_, err = db.GetTicket("fresh")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("reopening the database", func() {
		It("keeps stored tickets", func() {
			Expect(db.SaveTicket("session-1", &Ticket{ID: "ticket-1", Stage: StageRegistered})).To(Succeed())
			Expect(db.Close()).To(Succeed())

			reopened, err := NewBoltDB(dbPath, time.Hour, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			reopened.now = func() time.Time { return now }
			db = reopened

			t, err := db.GetTicket("session-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Stage).To(Equal(StageRegistered))
		})
	})
})
